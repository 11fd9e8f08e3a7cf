package identity

import (
	"errors"
	"fmt"
)

// ResolutionError reports a lookup or mint failure for one record. It never aborts a batch.
type ResolutionError struct {
	Key   string
	Stage string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve prop id for %q (%s): %v", e.Key, e.Stage, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}
