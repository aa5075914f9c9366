package interact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/stagehand/internal/browser"
)

// The interaction failure taxonomy. Every error returned from this package matches at least
// one of these with errors.Is.
var (
	ErrNotFound        = errors.New("element not found")
	ErrNotVisible      = errors.New("element not visible")
	ErrNotInteractable = browser.ErrNotInteractable
	ErrStaleReference  = browser.ErrStaleReference
	ErrTimeout         = errors.New("interaction timed out")
)

// Kind is the retry-relevant classification of an interaction failure.
type Kind int

const (
	KindOther Kind = iota
	KindStale
	KindNotInteractable
	KindTimeout
	KindNotVisible
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindStale:
		return "stale_reference"
	case KindNotInteractable:
		return "not_interactable"
	case KindTimeout:
		return "timeout"
	case KindNotVisible:
		return "not_visible"
	case KindNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// Classify maps an error onto the taxonomy. The order matters: a wait that timed out without
// ever seeing its element matches both ErrTimeout and ErrNotFound and is a timeout.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindOther
	case errors.Is(err, ErrStaleReference):
		return KindStale
	case errors.Is(err, ErrNotInteractable):
		return KindNotInteractable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNotVisible):
		return KindNotVisible
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindOther
	}
}

// WaitError describes a wait that ran out of budget.
type WaitError struct {
	Target string
	Budget time.Duration
	// Resolved is true when some element matched but never became visible and enabled.
	Resolved bool
}

func (e *WaitError) Error() string {
	if e.Resolved {
		return fmt.Sprintf("%s: resolved but not visible and enabled within %s", e.Target, e.Budget)
	}
	return fmt.Sprintf("%s: not found within %s", e.Target, e.Budget)
}

// Is matches ErrTimeout always, and ErrNotVisible or ErrNotFound depending on what was seen.
func (e *WaitError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return true
	case ErrNotVisible:
		return e.Resolved
	case ErrNotFound:
		return !e.Resolved
	}
	return false
}
