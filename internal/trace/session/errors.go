package session

import "fmt"

// HookConflictError is returned when a session is started while another
// one is active, or when a source already has a handler installed.
//
// Only the failed Start is affected; the active session and the traced
// program continue unchanged.
type HookConflictError struct {
	// Source names the capture facility that is taken.
	Source string

	// Active is the id of the session holding it, when known.
	Active string
}

func (e *HookConflictError) Error() string {
	if e.Active != "" {
		return fmt.Sprintf("exectrace: %s hook already in use by session %s", e.Source, e.Active)
	}
	return fmt.Sprintf("exectrace: %s hook already in use", e.Source)
}
