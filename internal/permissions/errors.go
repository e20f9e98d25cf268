package permissions

import "errors"

var (
	// ErrUnsupported is delivered when the platform has no permission API.
	// The message text is observed by clients and must stay stable.
	ErrUnsupported = errors.New("Permissions is not supported in your browser")

	// ErrClosed is delivered to subscribers of a cache that was reset or closed
	ErrClosed = errors.New("permission cache closed")
)

// QueryError carries a rejected platform query. Its message is the
// platform's message unchanged.
type QueryError struct {
	Key string
	Err error
}

func (e *QueryError) Error() string {
	return e.Err.Error()
}

func (e *QueryError) Unwrap() error {
	return e.Err
}
