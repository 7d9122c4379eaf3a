package automation

import (
	"errors"
	"fmt"
)

// NetworkError marks a transient failure talking to the ERP (connection
// reset, gateway timeout, mid-navigation drop). Transient errors are retried
// by the sync executor with bounded backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("erp network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError marks a permanent failure: the ERP rejected the input.
// Retrying cannot help; the caller surfaces it to the user.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("erp rejected input: %s", e.Reason)
}

// IncompleteExportError marks a truncated or unparseable export. A partial
// export must never be interpreted as "everything else was removed", so the
// sync executor aborts before any delete step when it sees this.
type IncompleteExportError struct {
	Got      int
	Expected int
}

func (e *IncompleteExportError) Error() string {
	return fmt.Sprintf("incomplete export: got %d records, expected %d", e.Got, e.Expected)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsIntegrity reports whether err indicates a truncated export.
func IsIntegrity(err error) bool {
	var incErr *IncompleteExportError
	return errors.As(err, &incErr)
}
