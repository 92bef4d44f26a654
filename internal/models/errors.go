package models

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrRejected        = errors.New("rejected")
)

// ErrorCode maps an error onto the code sent back to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "internal"
	}
}
