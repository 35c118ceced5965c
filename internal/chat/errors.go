package chat

import (
	"errors"
	"fmt"
)

// Kind is the caller-visible category of a failed turn.
type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
	KindProvider Kind = "provider"
	KindInternal Kind = "internal"
)

// Error is returned by Service.Handle for every failed turn.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s failure: %v", e.Kind, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of err. Errors that did not come from Handle are
// internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
