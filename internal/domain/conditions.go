package domain

import (
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	operatorv1alpha1 "github.com/vpatelsj/domain-operator/api/v1alpha1"
	"github.com/vpatelsj/domain-operator/internal/calls"
)

// Condition types - all condition types should be defined here and
// referenced from other packages.
const (
	ConditionAvailable = "Available"
	ConditionRolling   = "Rolling"
	ConditionCompleted = "Completed"
	ConditionFailed    = calls.FailedConditionType
)

// Condition reasons.
const (
	ReasonServersReady      = "ServersReady"
	ReasonServersNotReady   = "ServersNotReady"
	ReasonBelowMinAvailable = "BelowMinAvailable"
	ReasonRollInProgress    = "RollInProgress"
	ReasonRollComplete      = "RollComplete"
)

// SetCondition sets or updates a condition. The transition time only
// changes when the status does.
func SetCondition(status *operatorv1alpha1.DomainStatus, condType string, value bool, reason, message string) {
	s := metav1.ConditionFalse
	if value {
		s = metav1.ConditionTrue
	}
	meta.SetStatusCondition(&status.Conditions, metav1.Condition{
		Type:               condType,
		Status:             s,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: status.ObservedGeneration,
	})
}

// HasCondition checks if a condition exists with the wanted status.
func HasCondition(status *operatorv1alpha1.DomainStatus, condType string, want bool) bool {
	c := meta.FindStatusCondition(status.Conditions, condType)
	if c == nil {
		return false
	}
	return (c.Status == metav1.ConditionTrue) == want
}
