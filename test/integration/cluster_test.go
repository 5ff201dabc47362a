package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"
)

// ClusterTestHarness manages a multi-instance cluster for integration tests.
type ClusterTestHarness struct {
	*TestHarness
	nodes []*Instance
}

// NewClusterTestHarness creates a new cluster test harness.
func NewClusterTestHarness(t *testing.T, session *Session) *ClusterTestHarness {
	t.Helper()
	return &ClusterTestHarness{TestHarness: NewTestHarness(t, session)}
}

// StartCluster starts nodeCount nodes that share one Raft configuration.
func (h *ClusterTestHarness) StartCluster(nodeCount int) {
	h.t.Helper()

	if nodeCount < 1 {
		h.t.Fatal("nodeCount must be at least 1")
	}

	raftPorts := make([]int, nodeCount)
	peerAddrs := make([]string, nodeCount)
	for i := range raftPorts {
		raftPorts[i] = findAvailablePort(h.t)
		peerAddrs[i] = fmt.Sprintf("127.0.0.1:%d", raftPorts[i])
	}
	peers := strings.Join(peerAddrs, ",")

	for i := 0; i < nodeCount; i++ {
		inst := h.StartPoseSync(fmt.Sprintf("node%d", i+1),
			"POSESYNC_CLUSTER_ENABLED=true",
			"POSESYNC_CLUSTER_BIND="+peerAddrs[i],
			"POSESYNC_CLUSTER_PEERS="+peers,
		)
		inst.RaftPort = raftPorts[i]
		h.nodes = append(h.nodes, inst)
	}

	// The API only comes up once a leader is known.
	for _, inst := range h.nodes {
		h.WaitReady(inst, 45*time.Second)
	}
}

// Leader returns the running node that reports itself as leader.
func (h *ClusterTestHarness) Leader() *Instance {
	h.t.Helper()

	var leader *Instance
	h.WaitForCondition(func() bool {
		for _, inst := range h.nodes {
			var health struct {
				Leader bool `json:"leader"`
			}
			if h.healthOf(inst, &health) && health.Leader {
				leader = inst
				return true
			}
		}
		return false
	}, 15*time.Second, "a cluster leader")
	return leader
}

// Followers returns the running nodes other than leader.
func (h *ClusterTestHarness) Followers(leader *Instance) []*Instance {
	var out []*Instance
	for _, inst := range h.nodes {
		if inst != leader {
			out = append(out, inst)
		}
	}
	return out
}

// StopNode kills inst and removes it from the running set.
func (h *ClusterTestHarness) StopNode(inst *Instance) {
	h.Stop(inst)
	for i, n := range h.nodes {
		if n == inst {
			h.nodes = append(h.nodes[:i], h.nodes[i+1:]...)
			break
		}
	}
}

// healthOf tolerates nodes that are down or still starting.
func (h *ClusterTestHarness) healthOf(inst *Instance, out interface{}) bool {
	resp, err := h.client.Get(inst.BaseURL() + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	return json.NewDecoder(resp.Body).Decode(out) == nil
}

// WaitConsistent waits until every running node's state satisfies check.
func (h *ClusterTestHarness) WaitConsistent(description string, check func(snapshot) bool) {
	h.t.Helper()
	h.WaitForCondition(func() bool {
		for _, inst := range h.nodes {
			var s snapshot
			if h.Get(inst, "/api/state", &s) != http.StatusOK || !check(s) {
				return false
			}
		}
		return true
	}, 10*time.Second, description)
}

// TestThreeNodeCluster verifies that commands sent to the leader reach
// every node and that followers refuse commands.
func TestThreeNodeCluster(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewClusterTestHarness(t, NewSession(t, 30))
	defer harness.Cleanup()

	harness.StartCluster(3)
	leader := harness.Leader()
	t.Logf("Leader is %s", leader.ID)

	t.Log("Phase 1: initial selection is replicated")
	want := []string{BodyStream, LeftStream}
	harness.WaitConsistent("initial selection", func(s snapshot) bool {
		return reflect.DeepEqual(s.Selected, want)
	})
	for _, inst := range harness.nodes {
		waitLoaded(harness.TestHarness, inst)
	}

	t.Log("Phase 2: seek on the leader")
	if code := harness.Post(leader, "/api/seek", map[string]int{"frame": 2}, nil); code != http.StatusOK {
		t.Fatalf("seek on leader = %d", code)
	}
	harness.WaitConsistent("frame 2 everywhere", func(s snapshot) bool {
		return s.Time != nil && s.Time.Frame == 2
	})

	t.Log("Phase 3: overlay toggles")
	harness.Put(leader, "/api/keypoints/LeftWrist", map[string]bool{"visible": false}, nil)
	harness.Put(leader, "/api/labels", map[string]bool{"visible": false}, nil)
	harness.WaitConsistent("toggles everywhere", func(s snapshot) bool {
		return !s.LabelsVisible && !s.Visibility["LeftWrist"] && s.Visibility["Nose"]
	})

	t.Log("Phase 4: followers refuse commands")
	for _, f := range harness.Followers(leader) {
		var body struct {
			Leader string `json:"leader"`
		}
		if code := harness.Post(f, "/api/play", nil, &body); code != http.StatusServiceUnavailable {
			t.Errorf("play on follower %s = %d, want 503", f.ID, code)
		}
		if body.Leader == "" {
			t.Errorf("follower %s did not name the leader", f.ID)
		}
	}

	t.Log("Phase 5: the canvas stays local")
	var canvas overlay
	harness.Put(leader, "/api/canvas", map[string]float64{"width": 200, "height": 200}, &canvas)
	if x, y, ok := findOp(canvas, "Nose"); !ok || x != 24 || y != 44 {
		t.Errorf("leader nose = (%v, %v, %v), want (24, 44)", x, y, ok)
	}
	for _, f := range harness.Followers(leader) {
		var o overlay
		harness.Get(f, "/api/overlay", &o)
		if x, _, ok := findOp(o, "Nose"); !ok || x != 12 {
			t.Errorf("follower %s nose x = %v, want unscaled 12", f.ID, x)
		}
	}
}

// TestLeaderFailover verifies that a new leader takes over with the
// replicated state intact.
func TestLeaderFailover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewClusterTestHarness(t, NewSession(t, 30))
	defer harness.Cleanup()

	harness.StartCluster(3)
	leader := harness.Leader()
	for _, inst := range harness.nodes {
		waitLoaded(harness.TestHarness, inst)
	}

	harness.Put(leader, "/api/labels", map[string]bool{"visible": false}, nil)
	harness.WaitConsistent("labels replicated", func(s snapshot) bool {
		return !s.LabelsVisible
	})

	t.Logf("Stopping leader %s", leader.ID)
	harness.StopNode(leader)

	next := harness.Leader()
	if next == leader {
		t.Fatal("stopped node is still leader")
	}
	t.Logf("New leader is %s", next.ID)

	if code := harness.Post(next, "/api/seek", map[string]int{"frame": 1}, nil); code != http.StatusOK {
		t.Fatalf("seek on new leader = %d", code)
	}
	harness.WaitConsistent("seek after failover", func(s snapshot) bool {
		return !s.LabelsVisible && s.Time != nil && s.Time.Frame == 1
	})
}
