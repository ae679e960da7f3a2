package solver

import "strings"

// Verdict is the outcome of the VERIFY step's critique.
type Verdict int

const (
	// VerdictUnknown means the model did not follow the verdict protocol.
	// The engine treats it as a pass with a recorded warning rather than
	// burning revision budget on an unparseable critique.
	VerdictUnknown Verdict = iota
	// VerdictPass means the solution met the requirements.
	VerdictPass
	// VerdictFail means the solution needs revision.
	VerdictFail
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictFail:
		return "fail"
	default:
		return "unknown"
	}
}

const verdictPrefix = "VERDICT:"

// ParseVerdict reads the first non-empty line of a verification response.
// The protocol asks for `VERDICT: PASS` or `VERDICT: FAIL` on the first
// line; case variants are accepted. Anything else is VerdictUnknown.
func ParseVerdict(response string) Verdict {
	firstLine := ""
	for _, line := range strings.Split(response, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			firstLine = trimmed
			break
		}
	}
	if firstLine == "" {
		return VerdictUnknown
	}

	upper := strings.ToUpper(firstLine)
	if !strings.HasPrefix(upper, verdictPrefix) {
		return VerdictUnknown
	}

	value := strings.TrimSpace(strings.TrimPrefix(upper, verdictPrefix))
	switch {
	case strings.HasPrefix(value, "PASS"):
		return VerdictPass
	case strings.HasPrefix(value, "FAIL"):
		return VerdictFail
	default:
		return VerdictUnknown
	}
}
