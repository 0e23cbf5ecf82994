package calls_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/vpatelsj/domain-operator/internal/calls"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code      int
		class     calls.Class
		retryable bool
	}{
		{0, calls.ClassLocalTimeout, true},
		{200, calls.ClassSuccess, false},
		{404, calls.ClassNotFound, false},
		{409, calls.ClassConflict, false},
		{429, calls.ClassRateLimited, true},
		{500, calls.ClassInternalError, true},
		{503, calls.ClassUnavailable, true},
		{504, calls.ClassGatewayTimeout, true},
		{400, calls.ClassOther, false},
		{403, calls.ClassOther, false},
		{502, calls.ClassOther, false},
	}
	for _, tt := range tests {
		got := calls.Classify(tt.code)
		assert.Equal(t, tt.class, got, "code %d", tt.code)
		assert.Equal(t, tt.retryable, got.Retryable(), "code %d", tt.code)
	}
	assert.True(t, calls.ClassLocalTimeout.DoublesTimeout())
	assert.True(t, calls.ClassGatewayTimeout.DoublesTimeout())
	assert.False(t, calls.ClassUnavailable.DoublesTimeout())
}

func TestStatusCodeOf(t *testing.T) {
	gr := schema.GroupResource{Resource: "pods"}

	assert.Equal(t, 200, calls.StatusCodeOf(nil))
	assert.Equal(t, 404, calls.StatusCodeOf(apierrors.NewNotFound(gr, "p")))
	assert.Equal(t, 409, calls.StatusCodeOf(apierrors.NewConflict(gr, "p", errors.New("stale"))))
	assert.Equal(t, 409, calls.StatusCodeOf(apierrors.NewAlreadyExists(gr, "p")))
	assert.Equal(t, 503, calls.StatusCodeOf(apierrors.NewServiceUnavailable("down")))
	assert.Equal(t, calls.StatusLocalTimeout, calls.StatusCodeOf(errors.New("connection refused")))
}
