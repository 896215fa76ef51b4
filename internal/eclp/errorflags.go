package eclp

import (
	"strings"
	"time"
)

// ErrorFlag is the 16-bit error taxonomy from spec.md §3.
type ErrorFlag uint16

const (
	ErrSequence    ErrorFlag = 0x0001
	ErrLinkDown    ErrorFlag = 0x0002
	ErrTimeout     ErrorFlag = 0x0004
	ErrSameAddress ErrorFlag = 0x0008
	ErrUnknownCmd  ErrorFlag = 0x0010
	ErrUnknownStat ErrorFlag = 0x0020
	ErrUnexpectLU  ErrorFlag = 0x0040
	ErrFatal       ErrorFlag = 0x8000
)

func (e ErrorFlag) String() string {
	var names []string
	for bit, name := range map[ErrorFlag]string{
		ErrSequence:    "SEQUENCE",
		ErrLinkDown:    "LINKDOWN",
		ErrTimeout:     "TIMEOUT",
		ErrSameAddress: "SAME_ADDRESS",
		ErrUnknownCmd:  "UNKNOWN_CMD",
		ErrUnknownStat: "UNKNOWN_STATE",
		ErrUnexpectLU:  "UNEXPECTED_LU",
		ErrFatal:       "FATAL",
	} {
		if e&bit == bit {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// latch records the first occurrence of an error, or folds a subsequent
// occurrence into the running union, per spec.md §4.2 "Error latching".
func (ls *LinkState) latch(flag ErrorFlag, now time.Time) {
	if ls.Error.ErrorCount == 0 {
		ls.Error.State = ls.Current.State
		ls.Error.IKnow = ls.Current.IKnow
		ls.Error.ISent = ls.Current.ISent
		ls.Error.ErrorFlag = flag
		ls.Error.UpdateTime = ls.Current.UpdateTime
		ls.Error.ErrorTime = now
		ls.Error.ErrorCount = 1
		return
	}
	ls.Error.ErrorCount++
	ls.Error.PErrorFlag |= flag
}

// clearError zeroes the latched error snapshot. Only
// ReadAndClearErrorState calls this directly (spec.md P5); StateError never
// does, matching the literal wording of spec.md §4.2/§7 over the original
// source's redundant clear_error() call inside entl_state_error (see
// DESIGN.md, Open Question 4).
func (ls *LinkState) clearError() {
	ls.Error = ErrorSnapshot{}
}
