// Package plans builds the step chains that bring a domain's pods in line
// with its spec.
package plans

import (
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/tools/record"

	operatorv1alpha1 "github.com/vpatelsj/domain-operator/api/v1alpha1"
	"github.com/vpatelsj/domain-operator/internal/calls"
	"github.com/vpatelsj/domain-operator/internal/domain"
	"github.com/vpatelsj/domain-operator/internal/rolling"
	"github.com/vpatelsj/domain-operator/internal/watch"
	"github.com/vpatelsj/domain-operator/internal/work"
)

// Event reasons
const (
	EventDomainRollStarting  = "DomainRollStarting"
	EventDomainRollCompleted = "DomainRollCompleted"
	EventPodCycleStarting    = "PodCycleStarting"
	EventPodCreated          = "PodCreated"
	EventPodDeleted          = "PodDeleted"
)

// Packet keys
const (
	KeyRollStartEventGenerated = "domainRollStartEventGenerated"
	KeyServerName              = "serverName"
	KeyClusterName             = "clusterName"
)

// DefaultPodReadyTimeout bounds how long a restarted server may take to
// become ready, or its old pod to go away.
const DefaultPodReadyTimeout = 10 * time.Minute

// Deps are the collaborators a make-right run needs.
type Deps struct {
	Calls    *calls.Builder
	Awaiter  *watch.PodAwaiter
	Recorder record.EventRecorder

	PollInterval    time.Duration
	PodReadyTimeout time.Duration
	// ListLimit pages the pod listing. Zero lists everything at once.
	ListLimit int64
}

func (d Deps) readyTimeout() time.Duration {
	if d.PodReadyTimeout > 0 {
		return d.PodReadyTimeout
	}
	return DefaultPodReadyTimeout
}

func (d Deps) rollOptions() []rolling.Option {
	if d.PollInterval > 0 {
		return []rolling.Option{rolling.WithPollInterval(d.PollInterval)}
	}
	return nil
}

// MakeRight returns the chain for one run over a domain: list its pods,
// create missing servers, roll stale ones, delete unwanted ones, then
// write the domain status.
func MakeRight(d Deps, info *domain.PresenceInfo) work.Step {
	status := UpdateStatus(d, info)
	plan := &planStep{Base: work.NewBase(status), deps: d, info: info}
	uid := info.DomainUID()
	return d.Calls.ListPods(info.Namespace(), domain.DomainLabels(uid), d.ListLimit, uid,
		calls.ResponseHandler[*corev1.PodList]{OnSuccess: recordPods(info)}, plan)
}

func recordPods(info *domain.PresenceInfo) func(*calls.ResponseStep[*corev1.PodList], *work.Packet, *calls.CallResponse[*corev1.PodList]) work.NextAction {
	return func(s *calls.ResponseStep[*corev1.PodList], p *work.Packet, resp *calls.CallResponse[*corev1.PodList]) work.NextAction {
		if resp.Result != nil {
			for i := range resp.Result.Items {
				pod := &resp.Result.Items[i]
				if server := pod.Labels[domain.LabelServerName]; server != "" {
					info.SetServerPod(server, pod)
				}
			}
		}
		return s.DoContinueListOrNext(p, resp)
	}
}

// planStep compares listed pods with the desired servers and hands the
// resulting work to the rolling scheduler.
type planStep struct {
	work.Base
	deps Deps
	info *domain.PresenceInfo
}

func (s *planStep) Name() string {
	return "planServers"
}

func (s *planStep) Apply(p *work.Packet) work.NextAction {
	log := work.LoggerFrom(p)
	dom := s.info.Domain()
	pods := s.info.ServerPods()

	var targets []rolling.Target
	var stale []string
	wanted := make(map[string]bool)
	for _, server := range domain.DesiredServers(dom) {
		wanted[server.Name] = true
		desired := domain.BuildPod(dom, server)
		current, ok := pods[server.Name]
		switch {
		case !ok:
			targets = append(targets, s.target(p, server, s.createServer(desired)))
		case domain.NeedsRoll(current, desired):
			stale = append(stale, server.Name)
			targets = append(targets, s.target(p, server, s.restartServer(server, desired)))
		}
	}
	for name, pod := range pods {
		if !wanted[name] {
			targets = append(targets, s.target(p, domain.Server{Name: name}, s.deleteServer(pod)))
		}
	}

	if len(stale) > 0 {
		rolling.SortServerNames(stale)
		p.Put(KeyRollStartEventGenerated, true)
		msg := fmt.Sprintf("Rolling restart of servers %s", strings.Join(stale, ", "))
		s.deps.Recorder.Event(dom, corev1.EventTypeNormal, EventDomainRollStarting, msg)
		s.info.UpdateStatus(func(st *operatorv1alpha1.DomainStatus) {
			domain.SetCondition(st, domain.ConditionRolling, true, domain.ReasonRollInProgress, msg)
		})
	}
	log.V(1).Info("planned servers", "targets", len(targets), "stale", stale)

	after := &afterRollStep{Base: work.NewBase(s.Next()), recorder: s.deps.Recorder, info: s.info}
	return work.Continue(rolling.RollServers(targets, s.info, after, s.deps.rollOptions()...), p)
}

func (s *planStep) target(p *work.Packet, server domain.Server, step work.Step) rolling.Target {
	sp := p.Copy().Put(KeyServerName, server.Name).Put(KeyClusterName, server.Cluster)
	sp.RemoveComponent(calls.ResponseComponent)
	sp.Remove(calls.ContinueKey)
	work.WithLogger(sp, work.LoggerFrom(p).WithValues("server", server.Name))
	return rolling.Target{
		Server:  server.Name,
		Cluster: server.Cluster,
		Work:    work.StepAndPacket{Step: step, Packet: sp},
	}
}

// createServer creates a pod and waits for it to become ready. A pod that
// still exists under the same name is waited out first.
func (s *planStep) createServer(desired *corev1.Pod) work.Step {
	uid := s.info.DomainUID()
	timeout := s.deps.readyTimeout()
	ready := s.deps.Awaiter.WaitForReady(desired.Namespace, desired.Name, timeout, &serverReadyStep{info: s.info})
	gone := s.deps.Awaiter.WaitForDeleted(desired.Namespace, desired.Name, timeout, nil)
	create := s.deps.Calls.CreatePod(desired, uid, calls.ResponseHandler[*corev1.Pod]{
		OnSuccess:    s.podCreated,
		ConflictStep: gone,
	}, ready)
	return work.Chain(gone, create)
}

// restartServer replaces a stale pod. createServer waits for the old pod to
// be gone before the replacement is created.
func (s *planStep) restartServer(server domain.Server, desired *corev1.Pod) work.Step {
	cycle := work.NewStep("podCycleStarting", func(p *work.Packet, next work.Step) work.NextAction {
		s.deps.Recorder.Eventf(s.info.Domain(), corev1.EventTypeNormal, EventPodCycleStarting,
			"Replacing pod of server %s", server.Name)
		work.LoggerFrom(p).Info("cycling server pod", "pod", desired.Name)
		return work.Continue(next, p)
	}, nil)
	remove := s.deps.Calls.DeletePod(desired.Namespace, desired.Name, s.info.DomainUID(), calls.ResponseHandler[*corev1.Pod]{}, nil)
	return work.Chain(cycle, remove, s.createServer(desired))
}

// deleteServer removes a pod no server in the spec owns.
func (s *planStep) deleteServer(pod *corev1.Pod) work.Step {
	server := pod.Labels[domain.LabelServerName]
	return s.deps.Calls.DeletePod(pod.Namespace, pod.Name, s.info.DomainUID(), calls.ResponseHandler[*corev1.Pod]{
		OnSuccess: func(rs *calls.ResponseStep[*corev1.Pod], p *work.Packet, resp *calls.CallResponse[*corev1.Pod]) work.NextAction {
			s.info.SetServerPod(server, nil)
			s.deps.Recorder.Eventf(s.info.Domain(), corev1.EventTypeNormal, EventPodDeleted, "Deleted pod %s of removed server %s", pod.Name, server)
			return rs.DoNext(p)
		},
	}, nil)
}

func (s *planStep) podCreated(rs *calls.ResponseStep[*corev1.Pod], p *work.Packet, resp *calls.CallResponse[*corev1.Pod]) work.NextAction {
	if resp.Result != nil {
		s.info.SetServerPod(p.GetString(KeyServerName), resp.Result)
		s.deps.Recorder.Eventf(s.info.Domain(), corev1.EventTypeNormal, EventPodCreated, "Created pod %s", resp.Result.Name)
	}
	return rs.DoNext(p)
}

// serverReadyStep refreshes the known pod of a server once it is ready.
type serverReadyStep struct {
	work.Base
	info *domain.PresenceInfo
}

func (s *serverReadyStep) Name() string {
	return "serverReady"
}

func (s *serverReadyStep) Apply(p *work.Packet) work.NextAction {
	server := p.GetString(KeyServerName)
	if pod := s.info.LivePod(server); pod != nil {
		s.info.SetServerPod(server, pod)
	}
	work.LoggerFrom(p).Info("server ready")
	return s.DoNext(p)
}

// afterRollStep announces the end of a roll started by this run.
type afterRollStep struct {
	work.Base
	recorder record.EventRecorder
	info     *domain.PresenceInfo
}

func (s *afterRollStep) Name() string {
	return "afterRoll"
}

func (s *afterRollStep) Apply(p *work.Packet) work.NextAction {
	if _, ok := p.Remove(KeyRollStartEventGenerated); ok {
		s.recorder.Event(s.info.Domain(), corev1.EventTypeNormal, EventDomainRollCompleted, "Rolling restart complete")
		s.info.UpdateStatus(func(st *operatorv1alpha1.DomainStatus) {
			domain.SetCondition(st, domain.ConditionRolling, false, domain.ReasonRollComplete, "")
		})
	}
	return s.DoNext(p)
}
