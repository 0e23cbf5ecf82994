package rolling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpatelsj/domain-operator/internal/work"
)

// fakeCluster tracks readiness and records the lowest ready count seen.
type fakeCluster struct {
	mu             sync.Mutex
	members        map[string]string // server -> cluster
	ready          map[string]bool
	replicas       map[string]int
	maxUnavailable map[string]int
	lowest         map[string]int
	restarted      []string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		members:        map[string]string{},
		ready:          map[string]bool{},
		replicas:       map[string]int{},
		maxUnavailable: map[string]int{},
		lowest:         map[string]int{},
	}
}

func (c *fakeCluster) add(cluster string, maxUnavailable int, servers map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s, r := range servers {
		c.members[s] = cluster
		c.ready[s] = r
	}
	c.replicas[cluster] = len(servers)
	c.maxUnavailable[cluster] = maxUnavailable
	c.lowest[cluster] = len(servers)
}

func (c *fakeCluster) IsReady(server string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready[server]
}

func (c *fakeCluster) ClusterReadiness(cluster string) ClusterReadiness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClusterReadiness{
		Replicas:       c.replicas[cluster],
		MaxUnavailable: c.maxUnavailable[cluster],
		ReadyMembers:   c.readyMembers(cluster),
	}
}

func (c *fakeCluster) readyMembers(cluster string) []string {
	var out []string
	for s, cl := range c.members {
		if cl == cluster && c.ready[s] {
			out = append(out, s)
		}
	}
	return out
}

func (c *fakeCluster) setReady(server string, ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ready {
		c.restarted = append(c.restarted, server)
	}
	c.ready[server] = ready
	if cl := c.members[server]; cl != "" {
		if n := len(c.readyMembers(cl)); n < c.lowest[cl] {
			c.lowest[cl] = n
		}
	}
}

// restart takes a server down, waits and brings it back.
func (c *fakeCluster) restart(server string) work.Step {
	up := work.NewStep("up", func(p *work.Packet, next work.Step) work.NextAction {
		c.setReady(server, true)
		return work.Done()
	}, nil)
	return work.NewStep("down", func(p *work.Packet, next work.Step) work.NextAction {
		c.setReady(server, false)
		return work.Delay(up, p, 15*time.Millisecond)
	}, nil)
}

func (c *fakeCluster) targets(servers ...string) []Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Target
	for _, s := range servers {
		out = append(out, Target{Server: s, Cluster: c.members[s], Work: work.StepAndPacket{Step: c.restart(s), Packet: work.NewPacket()}})
	}
	return out
}

func runRoll(t *testing.T, step work.Step) {
	t.Helper()
	e := work.NewEngine(work.Config{Workers: 8}, logr.Discard())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	}()

	f, err := e.Start(step, work.NewPacket())
	require.NoError(t, err)
	select {
	case <-f.Done():
		require.NoError(t, f.Err())
	case <-time.After(10 * time.Second):
		t.Fatal("roll did not complete")
	}
}

func TestMinAvailableAndAllowedNow(t *testing.T) {
	assert.Equal(t, 2, MinAvailable(3, 1))
	assert.Equal(t, 0, MinAvailable(1, 3))
	assert.Equal(t, 1, AllowedNow(3, 2))
	assert.Equal(t, 0, AllowedNow(2, 2))
	assert.Equal(t, 0, AllowedNow(1, 2))
}

func TestRollServers_KeepsMinimumAvailable(t *testing.T) {
	c := newFakeCluster()
	c.add("cluster-1", 1, map[string]bool{"server1": true, "server2": true, "server3": true})

	var after bool
	next := work.NewStep("after", func(p *work.Packet, n work.Step) work.NextAction {
		after = true
		return work.Done()
	}, nil)
	runRoll(t, RollServers(c.targets("server3", "server1", "server2"), c, next, WithPollInterval(5*time.Millisecond)))

	assert.True(t, after)
	assert.Equal(t, 2, c.lowest["cluster-1"], "never fewer than replicas-maxUnavailable ready")
	assert.Equal(t, []string{"server1", "server2", "server3"}, c.restarted)
	for _, s := range []string{"server1", "server2", "server3"} {
		assert.True(t, c.IsReady(s))
	}
}

func TestRollServers_NumericOrder(t *testing.T) {
	c := newFakeCluster()
	servers := map[string]bool{}
	var names []string
	for _, s := range []string{"server10", "server2", "server1", "server3"} {
		servers[s] = true
		names = append(names, s)
	}
	c.add("cluster-1", 1, servers)

	runRoll(t, RollServers(c.targets(names...), c, nil, WithPollInterval(5*time.Millisecond)))

	assert.Equal(t, []string{"server1", "server2", "server3", "server10"}, c.restarted)
}

func TestRollServers_MaxUnavailableTwo(t *testing.T) {
	c := newFakeCluster()
	c.add("cluster-1", 2, map[string]bool{"s1": true, "s2": true, "s3": true, "s4": true})

	runRoll(t, RollServers(c.targets("s1", "s2", "s3", "s4"), c, nil, WithPollInterval(5*time.Millisecond)))

	assert.Equal(t, 2, c.lowest["cluster-1"])
	assert.Len(t, c.restarted, 4)
}

func TestRollServers_UnreadyAndUnclusteredRestartImmediately(t *testing.T) {
	c := newFakeCluster()
	// cluster is already at its minimum, so ready members must wait for
	// the unready one to come back
	c.add("cluster-1", 1, map[string]bool{"server1": false, "server2": true, "server3": true})
	c.mu.Lock()
	c.members["admin"] = ""
	c.ready["admin"] = true
	c.mu.Unlock()

	runRoll(t, RollServers(c.targets("server1", "server2", "server3", "admin"), c, nil, WithPollInterval(5*time.Millisecond)))

	require.Len(t, c.restarted, 4)
	assert.ElementsMatch(t, []string{"admin", "server1"}, c.restarted[:2])
	assert.Equal(t, []string{"server2", "server3"}, c.restarted[2:])
	assert.Equal(t, 2, c.lowest["cluster-1"])
}

func TestRollServers_IndependentClusters(t *testing.T) {
	c := newFakeCluster()
	c.add("a", 1, map[string]bool{"a1": true, "a2": true})
	c.add("b", 1, map[string]bool{"b1": true, "b2": true})

	runRoll(t, RollServers(c.targets("a1", "a2", "b1", "b2"), c, nil, WithPollInterval(5*time.Millisecond)))

	assert.Equal(t, 1, c.lowest["a"])
	assert.Equal(t, 1, c.lowest["b"])
	assert.Len(t, c.restarted, 4)
}

func TestRollServers_Empty(t *testing.T) {
	c := newFakeCluster()
	var after bool
	next := work.NewStep("after", func(p *work.Packet, n work.Step) work.NextAction {
		after = true
		return work.Done()
	}, nil)

	runRoll(t, RollServers(nil, c, next))
	assert.True(t, after)
}
