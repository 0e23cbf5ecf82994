package plans

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	operatorv1alpha1 "github.com/vpatelsj/domain-operator/api/v1alpha1"
	"github.com/vpatelsj/domain-operator/internal/calls"
	"github.com/vpatelsj/domain-operator/internal/domain"
	"github.com/vpatelsj/domain-operator/internal/work"
)

// Server states reported in the domain status
const (
	StateRunning  = "Running"
	StateStarting = "Starting"
	StateShutdown = "Shutdown"
)

// UpdateStatus returns a step that computes the domain status from live pod
// state and writes it. A conflicting write re-reads the domain and
// computes the status again.
func UpdateStatus(d Deps, info *domain.PresenceInfo) work.Step {
	return &statusStep{deps: d, info: info}
}

type statusStep struct {
	work.Base
	deps Deps
	info *domain.PresenceInfo
}

func (s *statusStep) Name() string {
	return "updateDomainStatus"
}

func (s *statusStep) Apply(p *work.Packet) work.NextAction {
	dom := s.info.Domain()
	ComputeStatus(dom, &dom.Status, s.info.LivePod)
	s.info.UpdateStatus(func(st *operatorv1alpha1.DomainStatus) {
		dom.Status.DeepCopyInto(st)
	})

	reread := s.deps.Calls.ReadDomain(dom.Namespace, dom.Name, calls.ResponseHandler[*operatorv1alpha1.Domain]{
		OnSuccess: func(rs *calls.ResponseStep[*operatorv1alpha1.Domain], p *work.Packet, resp *calls.CallResponse[*operatorv1alpha1.Domain]) work.NextAction {
			if resp.Result == nil {
				work.LoggerFrom(p).Info("domain is gone, skipping status update")
				return work.Done()
			}
			s.info.Refresh(resp.Result)
			return work.Continue(s, p)
		},
	}, nil)

	replace := s.deps.Calls.ReplaceDomainStatus(dom, calls.ResponseHandler[*operatorv1alpha1.Domain]{
		OnSuccess: func(rs *calls.ResponseStep[*operatorv1alpha1.Domain], p *work.Packet, resp *calls.CallResponse[*operatorv1alpha1.Domain]) work.NextAction {
			if resp.Result != nil {
				s.info.Refresh(resp.Result)
			}
			return rs.DoNext(p)
		},
		ConflictStep: reread,
	}, s.Next())
	return work.Continue(replace, p)
}

// ComputeStatus fills st from the spec of d and the pods returned by
// livePod. Conditions recorded earlier in the run are kept.
func ComputeStatus(d *operatorv1alpha1.Domain, st *operatorv1alpha1.DomainStatus, livePod func(server string) *corev1.Pod) {
	st.ObservedGeneration = d.Generation
	st.LastUpdated = metav1.Now()
	st.Servers = nil
	st.Clusters = nil

	readyByCluster := make(map[string]int32)
	var total, ready int
	available, complete := true, true
	for _, server := range domain.DesiredServers(d) {
		total++
		ss := operatorv1alpha1.ServerStatus{ServerName: server.Name, ClusterName: server.Cluster, State: StateShutdown}
		pod := livePod(server.Name)
		switch {
		case pod == nil:
			complete = false
		case domain.IsServing(pod):
			ss.PodName, ss.State, ss.Ready = pod.Name, StateRunning, true
			ready++
			readyByCluster[server.Cluster]++
			if domain.NeedsRoll(pod, domain.BuildPod(d, server)) {
				complete = false
			}
		default:
			ss.PodName, ss.State = pod.Name, StateStarting
			complete = false
		}
		if !ss.Ready && server.Cluster == "" {
			available = false
		}
		st.Servers = append(st.Servers, ss)
	}

	var belowMin []string
	for _, c := range d.Spec.Clusters {
		cs := operatorv1alpha1.ClusterStatus{
			ClusterName:        c.ClusterName,
			Replicas:           c.Replicas,
			ReadyReplicas:      readyByCluster[c.ClusterName],
			MaximumUnavailable: int32(d.MaxUnavailable(c.ClusterName)),
		}
		if int(cs.ReadyReplicas) < d.MinAvailable(c.ClusterName) {
			belowMin = append(belowMin, c.ClusterName)
			available = false
		}
		st.Clusters = append(st.Clusters, cs)
	}

	st.Message = fmt.Sprintf("%d of %d servers ready", ready, total)
	switch {
	case available:
		domain.SetCondition(st, domain.ConditionAvailable, true, domain.ReasonServersReady, st.Message)
	case len(belowMin) > 0:
		domain.SetCondition(st, domain.ConditionAvailable, false, domain.ReasonBelowMinAvailable,
			fmt.Sprintf("clusters below minimum availability: %v", belowMin))
	default:
		domain.SetCondition(st, domain.ConditionAvailable, false, domain.ReasonServersNotReady, st.Message)
	}
	if complete {
		domain.SetCondition(st, domain.ConditionCompleted, true, domain.ReasonServersReady, st.Message)
		if domain.HasCondition(st, domain.ConditionRolling, true) {
			domain.SetCondition(st, domain.ConditionRolling, false, domain.ReasonRollComplete, "")
		}
	} else {
		domain.SetCondition(st, domain.ConditionCompleted, false, domain.ReasonServersNotReady, st.Message)
	}
}
