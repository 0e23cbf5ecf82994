package calls

import (
	"fmt"
	"net/http"
)

// RequestParams describes one API request for logs, errors and the call
// factory.
type RequestParams struct {
	// Call names the operation, e.g. "listPod" or "replaceDomainStatus".
	Call      string
	Namespace string
	Name      string
	DomainUID string

	// Labels select the objects of list calls.
	Labels map[string]string

	// Limit pages list calls. Zero lists everything at once.
	Limit int64

	// Body is the object sent by create and update calls.
	Body any
}

func (r RequestParams) String() string {
	if r.Name == "" {
		return fmt.Sprintf("%s %s", r.Call, r.Namespace)
	}
	return fmt.Sprintf("%s %s/%s", r.Call, r.Namespace, r.Name)
}

// FailureMessage describes a failure of this request.
func (r RequestParams) FailureMessage(err error) string {
	target := r.Namespace
	if r.Name != "" {
		target = r.Namespace + "/" + r.Name
	}
	return fmt.Sprintf("failure performing %s on %s: %v", r.Call, target, err)
}

// CallResponse is the outcome of one request, stored in the packet for the
// response step.
type CallResponse[T any] struct {
	Params     RequestParams
	Result     T
	Err        error
	StatusCode int
	Headers    http.Header
}

// IsFailure reports whether the call failed.
func (r *CallResponse[T]) IsFailure() bool {
	return r.Err != nil
}

// NotFound reports a 404 that was turned into an empty success.
func (r *CallResponse[T]) NotFound() bool {
	return r.StatusCode == http.StatusNotFound
}

// Class returns the classification of the status code.
func (r *CallResponse[T]) Class() Class {
	return Classify(r.StatusCode)
}
