// Package calls issues Kubernetes API requests from fiber steps. A request
// suspends its fiber, and the fiber resumes when the response, a timeout or
// a cancellation arrives. Failures are classified and retried with
// exponential backoff.
package calls

import (
	"errors"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// StatusLocalTimeout is the status code of a call that never got an HTTP
// response: the listen timeout fired or the transport failed.
const StatusLocalTimeout = 0

// Class groups status codes by how the retry protocol treats them.
type Class int

const (
	ClassSuccess Class = iota
	ClassNotFound
	ClassConflict
	ClassRateLimited
	ClassInternalError
	ClassUnavailable
	ClassGatewayTimeout
	ClassLocalTimeout
	ClassOther
)

// Classify maps an HTTP status code to its class.
func Classify(code int) Class {
	switch {
	case code == StatusLocalTimeout:
		return ClassLocalTimeout
	case code >= 200 && code < 300:
		return ClassSuccess
	}
	switch code {
	case http.StatusNotFound:
		return ClassNotFound
	case http.StatusConflict:
		return ClassConflict
	case http.StatusTooManyRequests:
		return ClassRateLimited
	case http.StatusInternalServerError:
		return ClassInternalError
	case http.StatusServiceUnavailable:
		return ClassUnavailable
	case http.StatusGatewayTimeout:
		return ClassGatewayTimeout
	default:
		return ClassOther
	}
}

// Retryable reports whether a failure of this class is transient.
func (c Class) Retryable() bool {
	switch c {
	case ClassLocalTimeout, ClassRateLimited, ClassInternalError, ClassUnavailable, ClassGatewayTimeout:
		return true
	default:
		return false
	}
}

// DoublesTimeout reports whether the listen timeout should grow.
func (c Class) DoublesTimeout() bool {
	return c == ClassLocalTimeout || c == ClassGatewayTimeout
}

// String returns the string representation of the class.
func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassNotFound:
		return "notFound"
	case ClassConflict:
		return "conflict"
	case ClassRateLimited:
		return "rateLimited"
	case ClassInternalError:
		return "internalError"
	case ClassUnavailable:
		return "unavailable"
	case ClassGatewayTimeout:
		return "gatewayTimeout"
	case ClassLocalTimeout:
		return "localTimeout"
	default:
		return "other"
	}
}

// StatusCodeOf extracts the HTTP status carried by an API error. Errors
// that carry no status, such as transport failures, map to
// StatusLocalTimeout.
func StatusCodeOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		if code := int(status.Status().Code); code != 0 {
			return code
		}
		return statusFromReason(err)
	}
	return StatusLocalTimeout
}

func statusFromReason(err error) int {
	switch {
	case apierrors.IsNotFound(err):
		return http.StatusNotFound
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return http.StatusConflict
	case apierrors.IsTooManyRequests(err):
		return http.StatusTooManyRequests
	case apierrors.IsServiceUnavailable(err):
		return http.StatusServiceUnavailable
	case apierrors.IsTimeout(err):
		return http.StatusGatewayTimeout
	case apierrors.IsInternalError(err):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
