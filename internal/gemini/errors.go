package gemini

import (
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// StatusError carries the HTTP status of a failed Gemini API call.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string   { return fmt.Sprintf("gemini status %d: %v", e.Code, e.Err) }
func (e *StatusError) Unwrap() error   { return e.Err }
func (e *StatusError) HTTPStatus() int { return e.Code }

func wrapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &StatusError{Code: apiErr.Code, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil && apiErrPtr.Code != 0 {
		return &StatusError{Code: apiErrPtr.Code, Err: err}
	}
	return err
}
