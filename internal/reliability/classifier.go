package reliability

import (
	"context"
	"errors"
	"net"
)

// Reason is a coarse failure label suitable for metric labels and logs.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonTimeout     Reason = "timeout"
	ReasonCanceled    Reason = "canceled"
	ReasonRateLimited Reason = "rate_limited"
	ReasonUnavailable Reason = "unavailable"
	ReasonRejected    Reason = "rejected"
	ReasonNetwork     Reason = "network"
	ReasonFailed      Reason = "failed"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// StatusOf returns the upstream HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// Classify maps an error from an upstream call to a Reason.
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	if code := StatusOf(err); code != 0 {
		switch {
		case code == 429:
			return ReasonRateLimited
		case IsRetryableHTTPStatus(code):
			return ReasonUnavailable
		case code >= 400:
			return ReasonRejected
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonNetwork
	}
	return ReasonFailed
}
