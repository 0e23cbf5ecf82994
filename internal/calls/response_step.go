package calls

import (
	"github.com/vpatelsj/domain-operator/internal/work"
)

// ResponseHandler customizes a ResponseStep.
type ResponseHandler[T any] struct {
	// OnSuccess handles a successful response, including a 404 turned
	// into an empty result. Nil continues with the next step.
	OnSuccess func(s *ResponseStep[T], p *work.Packet, resp *CallResponse[T]) work.NextAction

	// OnFailure may take over a failure. Returning false falls back to the
	// retry protocol.
	OnFailure func(s *ResponseStep[T], p *work.Packet, resp *CallResponse[T]) (work.NextAction, bool)

	// ConflictStep runs, after a backoff, when the request returns 409.
	// Without one a conflict is a permanent failure.
	ConflictStep work.Step
}

// ResponseStep dispatches the outcome left in the packet by the preceding
// AsyncRequestStep.
type ResponseStep[T any] struct {
	work.Base
	handler  ResponseHandler[T]
	previous *AsyncRequestStep[T]
}

// NewResponseStep returns a response step continuing at next.
func NewResponseStep[T any](h ResponseHandler[T], next work.Step) *ResponseStep[T] {
	return &ResponseStep[T]{Base: work.NewBase(next), handler: h}
}

func (s *ResponseStep[T]) Name() string {
	if s.previous != nil {
		return "response:" + s.previous.params.Call
	}
	return "response"
}

func (s *ResponseStep[T]) Apply(p *work.Packet) work.NextAction {
	na := s.dispatch(p)
	// the response stays in the packet only while the same request repeats
	if s.previous == nil || na.Step() != work.Step(s.previous) {
		p.RemoveComponent(ResponseComponent)
		p.Remove(ContinueKey)
	}
	return na
}

func (s *ResponseStep[T]) dispatch(p *work.Packet) work.NextAction {
	comp, _ := p.GetComponent(ResponseComponent)
	retry, _ := work.SPI[RetryStrategy](comp)
	resp, ok := work.SPI[*CallResponse[T]](comp)
	if !ok {
		resp = &CallResponse[T]{Err: ErrCallTimedOut, StatusCode: StatusLocalTimeout}
		if s.previous != nil {
			resp.Params = s.previous.params
		}
	}

	if !resp.IsFailure() {
		return s.success(p, resp, retry)
	}
	if resp.Class() == ClassNotFound {
		var empty T
		return s.success(p, &CallResponse[T]{Params: resp.Params, Result: empty, StatusCode: resp.StatusCode, Headers: resp.Headers}, retry)
	}
	if s.handler.OnFailure != nil {
		if na, handled := s.handler.OnFailure(s, p, resp); handled {
			return na
		}
	}
	return s.OnFailure(p, resp, retry)
}

func (s *ResponseStep[T]) success(p *work.Packet, resp *CallResponse[T], retry RetryStrategy) work.NextAction {
	if retry != nil {
		retry.Reset()
	}
	p.Remove(conflictKeyPrefix + resp.Params.Call)
	if s.handler.OnSuccess != nil {
		return s.handler.OnSuccess(s, p, resp)
	}
	return s.DoNext(p)
}

// OnFailure applies the retry protocol: transient failures are retried
// while budget remains, conflicts go to the conflict step, and anything
// else terminates the fiber.
func (s *ResponseStep[T]) OnFailure(p *work.Packet, resp *CallResponse[T], retry RetryStrategy) work.NextAction {
	if retry != nil {
		if na, ok := retry.DoPotentialRetry(s.handler.ConflictStep, p, resp.StatusCode); ok {
			return na
		}
	}
	err := &CallError{
		Params:     resp.Params,
		StatusCode: resp.StatusCode,
		Err:        resp.Err,
		Exhausted:  resp.Class().Retryable(),
	}
	work.LoggerFrom(p).Error(err, "call failed permanently", "call", resp.Params.Call, "statusCode", resp.StatusCode)
	return work.Terminate(err)
}

// DoContinueListOrNext fetches the next page when the list result carries
// a continue token, and otherwise continues with the next step.
func (s *ResponseStep[T]) DoContinueListOrNext(p *work.Packet, resp *CallResponse[T]) work.NextAction {
	if accessContinue(resp.Result) != "" && s.previous != nil {
		p.Put(ContinueKey, true)
		return work.Continue(s.previous, p)
	}
	return s.DoNext(p)
}
