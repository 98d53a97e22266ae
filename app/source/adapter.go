package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/lysyi3m/auto-comb/app/listing"
)

// Adapter fetches raw listings for a city from one upstream source.
// Implementations must honor ctx cancellation and classify failures as
// *TransientError or *PermanentError.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, city, cursor string) ([]listing.RawListing, error)
}

// TransientError is a failure worth retrying (timeouts, 5xx, throttling).
type TransientError struct {
	Source string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("source %s: transient: %v", e.Source, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a failure that will not resolve by retrying.
type PermanentError struct {
	Source string
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("source %s: permanent: %v", e.Source, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Transient(source string, err error) error {
	return &TransientError{Source: source, Err: err}
}

func Permanent(source string, err error) error {
	return &PermanentError{Source: source, Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
