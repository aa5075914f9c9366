package browser

import "errors"

// Drivers report these so the interaction layer can classify failures without parsing messages.
var (
	// ErrStaleReference means the handle no longer points at a node in the live document.
	ErrStaleReference = errors.New("element is stale or detached from the document")
	// ErrNotInteractable means the node exists but cannot receive the input (zero size, covered, disabled).
	ErrNotInteractable = errors.New("element is not interactable")
	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("browser session is closed")
)
