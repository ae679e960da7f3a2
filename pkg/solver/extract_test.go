package solver

import "testing"

func TestExtractSolution(t *testing.T) {
	cases := []struct {
		name      string
		text      string
		want      string
		wantFound bool
	}{
		{
			name:      "marked block",
			text:      "Here is the solution:\n[CODE]\ndef add(a, b):\n    return a + b\n[/CODE]\nDone.",
			want:      "def add(a, b):\n    return a + b",
			wantFound: true,
		},
		{
			name:      "no markers returns full text",
			text:      "def add(a, b):\n    return a + b",
			want:      "def add(a, b):\n    return a + b",
			wantFound: false,
		},
		{
			name:      "unclosed block returns full text",
			text:      "[CODE]\ndef add(a, b): ...",
			want:      "[CODE]\ndef add(a, b): ...",
			wantFound: false,
		},
		{
			name:      "first block wins",
			text:      "[CODE]one[/CODE] and [CODE]two[/CODE]",
			want:      "one",
			wantFound: true,
		},
		{
			name:      "empty block",
			text:      "[CODE][/CODE]",
			want:      "",
			wantFound: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, found := ExtractSolution(tc.text)
			if got != tc.want || found != tc.wantFound {
				t.Errorf("ExtractSolution() = (%q, %v), want (%q, %v)", got, found, tc.want, tc.wantFound)
			}
		})
	}
}
