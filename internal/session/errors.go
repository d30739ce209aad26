package session

import (
	"errors"
	"fmt"

	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("session: orchestrator closed")
	// ErrSuperseded is returned when a newer Start or Close overtook the call
	// while it was waiting on the control channel. The call's result is
	// discarded.
	ErrSuperseded = errors.New("session: superseded by a newer call")
)

// InvalidTransitionError reports a decision that the current phase does not
// accept. No control call is made for it.
type InvalidTransitionError struct {
	Phase    types.Phase
	Decision types.ResumeType
	Reason   string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition: cannot submit %s decision in phase %s", e.Decision, e.Phase)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
