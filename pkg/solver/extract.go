package solver

import "strings"

const (
	codeOpen  = "[CODE]"
	codeClose = "[/CODE]"
)

// ExtractSolution pulls the solution out of an EXECUTE response. When the
// response carries a [CODE]...[/CODE] block, the trimmed block content is
// returned with found=true; otherwise the full response text is returned
// unchanged. Fenced presentation is the caller's concern.
func ExtractSolution(text string) (solution string, found bool) {
	start := strings.Index(text, codeOpen)
	if start == -1 {
		return text, false
	}
	end := strings.Index(text[start+len(codeOpen):], codeClose)
	if end == -1 {
		return text, false
	}

	block := text[start+len(codeOpen) : start+len(codeOpen)+end]
	return strings.TrimSpace(block), true
}
