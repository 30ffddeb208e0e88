package bucket

// State classifies a bucket evaluation by usage thresholds.
type State int

const (
	StateNormal State = iota
	StateSoft
	StateHard
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSoft:
		return "soft"
	case StateHard:
		return "hard"
	default:
		return "unknown"
	}
}

// Result is the outcome of one primitive evaluation.
//
// Tokens is the floored token count after the call (negative when the bucket
// is in debt between 100% usage and the hard ceiling). UsagePct is floored;
// on a denied call it reflects the untouched bucket.
type Result struct {
	Allowed  bool
	State    State
	Tokens   int
	UsagePct int
}

// stateFromCode maps the primitive's numeric state to State.
func stateFromCode(code int64) (State, bool) {
	switch code {
	case 0:
		return StateNormal, true
	case 1:
		return StateSoft, true
	case 2:
		return StateHard, true
	default:
		return StateNormal, false
	}
}
