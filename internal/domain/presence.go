// Package domain holds the operator's in-memory view of a domain: its
// spec, its server pods and the in-flight processing fibers.
package domain

import (
	"context"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	operatorv1alpha1 "github.com/vpatelsj/domain-operator/api/v1alpha1"
	"github.com/vpatelsj/domain-operator/internal/rolling"
)

// ComponentName is the packet component holding the PresenceInfo.
const ComponentName = "domainPresence"

const liveReadTimeout = 5 * time.Second

// PresenceInfo is the shared view of one domain while it is processed. It
// answers readiness questions for the rolling scheduler and collects
// failures raised by API calls.
type PresenceInfo struct {
	reader client.Reader

	mu     sync.RWMutex
	domain *operatorv1alpha1.Domain
	pods   map[string]*corev1.Pod
}

// NewPresenceInfo wraps a domain. reader, typically the manager's cache,
// supplies live pod state; without one the last listed pods are used.
func NewPresenceInfo(d *operatorv1alpha1.Domain, reader client.Reader) *PresenceInfo {
	return &PresenceInfo{
		reader: reader,
		domain: d.DeepCopy(),
		pods:   make(map[string]*corev1.Pod),
	}
}

// Domain returns a copy of the domain, including the status built so far.
func (i *PresenceInfo) Domain() *operatorv1alpha1.Domain {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.domain.DeepCopy()
}

// DomainUID returns the domain's UID.
func (i *PresenceInfo) DomainUID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.domain.GetDomainUID()
}

// Namespace returns the domain's namespace.
func (i *PresenceInfo) Namespace() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.domain.Namespace
}

// Refresh replaces the domain with a newer copy read from the API server,
// keeping the status computed locally.
func (i *PresenceInfo) Refresh(d *operatorv1alpha1.Domain) {
	i.mu.Lock()
	defer i.mu.Unlock()
	status := i.domain.Status
	i.domain = d.DeepCopy()
	i.domain.Status = status
}

// UpdateStatus mutates the local status under the lock.
func (i *PresenceInfo) UpdateStatus(fn func(status *operatorv1alpha1.DomainStatus)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	fn(&i.domain.Status)
}

// SetServerPod records the last known pod of a server. A nil pod forgets it.
func (i *PresenceInfo) SetServerPod(server string, pod *corev1.Pod) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if pod == nil {
		delete(i.pods, server)
		return
	}
	i.pods[server] = pod.DeepCopy()
}

// ServerPod returns the last known pod of a server.
func (i *PresenceInfo) ServerPod(server string) (*corev1.Pod, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	pod, ok := i.pods[server]
	return pod, ok
}

// ServerPods returns the last known pods by server name.
func (i *PresenceInfo) ServerPods() map[string]*corev1.Pod {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]*corev1.Pod, len(i.pods))
	for k, v := range i.pods {
		out[k] = v
	}
	return out
}

// LivePod reads the current pod of a server. It falls back to the last
// known pod when there is no reader.
func (i *PresenceInfo) LivePod(server string) *corev1.Pod {
	if i.reader == nil {
		pod, _ := i.ServerPod(server)
		return pod
	}
	ctx, cancel := context.WithTimeout(context.Background(), liveReadTimeout)
	defer cancel()
	pod := &corev1.Pod{}
	key := client.ObjectKey{Namespace: i.Namespace(), Name: PodName(i.DomainUID(), server)}
	if err := i.reader.Get(ctx, key, pod); err != nil {
		return nil
	}
	return pod
}

// IsReady implements rolling.ReadinessSource.
func (i *PresenceInfo) IsReady(server string) bool {
	return IsServing(i.LivePod(server))
}

// ClusterReadiness implements rolling.ReadinessSource.
func (i *PresenceInfo) ClusterReadiness(cluster string) rolling.ClusterReadiness {
	d := i.Domain()
	cr := rolling.ClusterReadiness{
		Replicas:       d.ReplicaCount(cluster),
		MaxUnavailable: d.MaxUnavailable(cluster),
	}
	c := d.Cluster(cluster)
	if c == nil {
		return cr
	}
	for _, name := range c.MemberNames() {
		if i.IsReady(name) {
			cr.ReadyMembers = append(cr.ReadyMembers, name)
		}
	}
	return cr
}

// RecordFailure implements calls.FailureRecorder.
func (i *PresenceInfo) RecordFailure(cond metav1.Condition) {
	i.mu.Lock()
	defer i.mu.Unlock()
	cond.ObservedGeneration = i.domain.Generation
	meta.SetStatusCondition(&i.domain.Status.Conditions, cond)
}

// ClearFailure implements calls.FailureRecorder. Only a failure with the
// same message is removed.
func (i *PresenceInfo) ClearFailure(cond metav1.Condition) {
	i.mu.Lock()
	defer i.mu.Unlock()
	existing := meta.FindStatusCondition(i.domain.Status.Conditions, cond.Type)
	if existing != nil && existing.Message == cond.Message {
		meta.RemoveStatusCondition(&i.domain.Status.Conditions, cond.Type)
	}
}
