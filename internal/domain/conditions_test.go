package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	operatorv1alpha1 "github.com/vpatelsj/domain-operator/api/v1alpha1"
)

func TestSetCondition(t *testing.T) {
	status := &operatorv1alpha1.DomainStatus{ObservedGeneration: 4}

	SetCondition(status, ConditionAvailable, false, ReasonServersNotReady, "1 of 3 ready")
	assert.True(t, HasCondition(status, ConditionAvailable, false))
	assert.False(t, HasCondition(status, ConditionAvailable, true))
	assert.False(t, HasCondition(status, ConditionRolling, true))

	SetCondition(status, ConditionAvailable, true, ReasonServersReady, "")
	assert.Len(t, status.Conditions, 1)
	assert.True(t, HasCondition(status, ConditionAvailable, true))
	assert.Equal(t, int64(4), status.Conditions[0].ObservedGeneration)
}
