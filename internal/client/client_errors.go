package client

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// registerError is a structured error from the relay's registration
// endpoint.
type registerError struct {
	StatusCode int
	Message    string
}

func (e *registerError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.StatusCode)
}

func isNonRetriableRegisterError(err error) bool {
	if err == nil {
		return false
	}
	var re *registerError
	if errors.As(err, &re) {
		// Retry for backpressure and transient timeout statuses.
		if re.StatusCode == http.StatusTooManyRequests || re.StatusCode == http.StatusRequestTimeout {
			return false
		}
		// Other 4xx statuses are usually auth or request-shape errors
		// and should fail fast instead of reconnect-looping forever.
		return re.StatusCode >= 400 && re.StatusCode < 500
	}
	return false
}

// shortenError extracts the innermost meaningful message from nested
// network errors (e.g. *url.Error wrapping *net.OpError) so log lines
// stay concise.
func shortenError(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Err != nil {
		return oe.Err.Error()
	}
	return strings.TrimSpace(err.Error())
}
