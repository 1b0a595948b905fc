package core

import "fmt"

// validTransitions lists the allowed target states for each state.
// Terminal states have no outgoing edges except parsed and failed, which
// may still be deleted.
var validTransitions = map[Status]map[Status]bool{
	StatusPending:   {StatusUploading: true, StatusFailed: true, StatusDeleted: true},
	StatusUploading: {StatusStored: true, StatusFailed: true, StatusDeleted: true},
	StatusStored:    {StatusParsing: true, StatusFailed: true, StatusDeleted: true},
	StatusParsing:   {StatusParsed: true, StatusFailed: true, StatusDeleted: true},
	StatusParsed:    {StatusDeleted: true},
	StatusFailed:    {StatusDeleted: true},
	StatusDeleted:   {},
}

// CanTransition reports whether a record may move from one state to another.
// Staying in the same non-terminal state is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	return validTransitions[from][to]
}

// Terminal reports whether no further progress is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusParsed, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

func (s Status) String() string { return string(s) }

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Percent bands. Receiving fills 0-49, a stored file sits at 50, parsing
// fills 50-99 and only a parsed file reports 100.
const (
	percentStored  = 50
	percentParsing = 99
	percentDone    = 100
)

// receivePercent maps received bytes into the receive band. With an unknown
// total it returns current unchanged.
func receivePercent(current int, received, total int64) int {
	if total <= 0 {
		return current
	}
	return max(current, min(percentStored-1, int(received*percentStored/total)))
}

// parsePercent maps parse progress into the parse band. Progress is done
// over total, where the caller picks rows or consumed bytes.
func parsePercent(current int, done, total int64) int {
	if total <= 0 {
		return max(current, percentStored)
	}
	span := int64(percentParsing - percentStored)
	p := percentStored + int(min(span, done*span/total))
	return max(current, p)
}
