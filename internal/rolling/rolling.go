// Package rolling restarts servers while keeping every cluster at or above
// its minimum number of ready members.
package rolling

import (
	"slices"
	"sync"
	"time"

	"github.com/vpatelsj/domain-operator/internal/metrics"
	"github.com/vpatelsj/domain-operator/internal/work"
)

// DefaultPollInterval is how long a blocked cluster waits before it looks
// at readiness again.
const DefaultPollInterval = time.Second

// Target is one server to restart and the work that restarts it.
type Target struct {
	Server string
	// Cluster is empty for servers outside any cluster.
	Cluster string
	Work    work.StepAndPacket
}

// ClusterReadiness is a live view of one cluster.
type ClusterReadiness struct {
	Replicas       int
	MaxUnavailable int
	ReadyMembers   []string
}

// ReadinessSource answers readiness questions from live state. It is
// consulted every time a cluster decides how many restarts to release.
type ReadinessSource interface {
	IsReady(server string) bool
	ClusterReadiness(cluster string) ClusterReadiness
}

// MinAvailable is the number of members that must stay ready.
func MinAvailable(replicas, maxUnavailable int) int {
	return max(replicas-maxUnavailable, 0)
}

// AllowedNow is how many ready members may be taken down right now.
func AllowedNow(ready, minAvailable int) int {
	return max(ready-minAvailable, 0)
}

// Option configures RollServers.
type Option func(*rollingStep)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(s *rollingStep) { s.poll = d }
}

// RollServers returns a step that restarts every target and then
// continues at next. Servers that are not ready, or not clustered, restart
// at once. Each cluster restarts its ready members in name order, only as
// many at a time as its availability allows.
func RollServers(targets []Target, source ReadinessSource, next work.Step, opts ...Option) work.Step {
	sorted := slices.Clone(targets)
	slices.SortStableFunc(sorted, func(a, b Target) int { return CompareServerNames(a.Server, b.Server) })
	s := &rollingStep{Base: work.NewBase(next), targets: sorted, source: source, poll: DefaultPollInterval}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type rollingStep struct {
	work.Base
	targets []Target
	source  ReadinessSource
	poll    time.Duration
}

func (s *rollingStep) Name() string {
	return "rollServers"
}

func (s *rollingStep) Apply(p *work.Packet) work.NextAction {
	log := work.LoggerFrom(p)

	var now []work.StepAndPacket
	var nowNames []string
	clustered := make(map[string][]Target)
	var clusterOrder []string
	for _, t := range s.targets {
		if t.Cluster == "" || !s.source.IsReady(t.Server) {
			now = append(now, t.Work)
			nowNames = append(nowNames, t.Server)
			continue
		}
		if _, ok := clustered[t.Cluster]; !ok {
			clusterOrder = append(clusterOrder, t.Cluster)
		}
		clustered[t.Cluster] = append(clustered[t.Cluster], t)
	}

	if len(nowNames) > 0 {
		log.Info("cycling servers", "servers", nowNames)
	}

	var items []work.StepAndPacket
	if len(now) > 0 {
		items = append(items, work.StepAndPacket{Step: &restartNowStep{servers: now}, Packet: p})
	}
	slices.Sort(clusterOrder)
	for _, name := range clusterOrder {
		items = append(items, work.StepAndPacket{
			Step:   &clusterStep{cluster: name, queue: clustered[name], source: s.source, poll: s.poll},
			Packet: p,
		})
	}

	if len(items) == 0 {
		return s.DoNext(p)
	}
	return work.ForkJoin(s.Next(), p, items)
}

// restartNowStep restarts servers that need no availability check.
type restartNowStep struct {
	work.Base
	servers []work.StepAndPacket
}

func (s *restartNowStep) Name() string {
	return "restartNow"
}

func (s *restartNowStep) Apply(p *work.Packet) work.NextAction {
	return work.ForkJoin(s.Next(), p, s.servers)
}

// clusterStep releases restarts for one cluster and re-enters itself until
// its queue is empty.
type clusterStep struct {
	work.Base
	cluster string
	source  ReadinessSource
	poll    time.Duration

	mu    sync.Mutex
	queue []Target
}

func (s *clusterStep) Name() string {
	return "rollCluster:" + s.cluster
}

func (s *clusterStep) Apply(p *work.Packet) work.NextAction {
	cr := s.source.ClusterReadiness(s.cluster)
	minAvailable := MinAvailable(cr.Replicas, cr.MaxUnavailable)
	allowed := AllowedNow(len(cr.ReadyMembers), minAvailable)

	s.mu.Lock()
	var batch []work.StepAndPacket
	var names []string
	for len(batch) < allowed && len(s.queue) > 0 {
		batch = append(batch, s.queue[0].Work)
		names = append(names, s.queue[0].Server)
		s.queue = s.queue[1:]
	}
	remaining := len(s.queue)
	s.mu.Unlock()

	log := work.LoggerFrom(p).WithValues("cluster", s.cluster)
	switch {
	case len(batch) > 0:
		log.Info("rolling servers", "servers", names, "ready", cr.ReadyMembers, "minAvailable", minAvailable, "waiting", remaining)
		metrics.RollingRestarts.WithLabelValues(s.cluster).Add(float64(len(batch)))
		return work.ForkJoin(s, p, batch)
	case remaining > 0:
		log.V(1).Info("waiting for cluster availability", "ready", len(cr.ReadyMembers), "minAvailable", minAvailable, "waiting", remaining)
		metrics.RollingBlockedPolls.WithLabelValues(s.cluster).Inc()
		return work.Delay(s, p, s.poll)
	default:
		return s.DoNext(p)
	}
}
