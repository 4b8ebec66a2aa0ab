package holdings

import "errors"

// Failure kinds. Stage errors wrap one of these so callers can classify
// them with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrAuth          = errors.New("authorization error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timed out")
	ErrExtraction    = errors.New("extraction error")
	ErrPublish       = errors.New("publish error")
)

// Kind returns the failure kind wrapped by err, or nil if none matches.
func Kind(err error) error {
	for _, kind := range []error{ErrConfiguration, ErrAuth, ErrNotFound, ErrTimeout, ErrExtraction, ErrPublish} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
