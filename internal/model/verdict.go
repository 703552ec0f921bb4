package model

// Verdict is the outcome of a token security check.
type Verdict struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Verified is the passing verdict.
func Verified() Verdict {
	return Verdict{OK: true}
}

// Rejected builds a failing verdict with a reason.
func Rejected(reason string) Verdict {
	return Verdict{OK: false, Reason: reason}
}
