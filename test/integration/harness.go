// Package integration provides integration testing utilities for posesync.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Stream names of the generated session.
const (
	BodyStream = "VideoBodyCamera"
	LeftStream = "VideoLeftCamera"
)

// bodyPose has three frames; the nose is missing from the second.
const bodyPose = `{
  "keypoint_metadata": {
    "NosePoseEstimationSeries": {"color": "#ff0000", "label": "Nose"},
    "LeftWristPoseEstimationSeries": {"label": "Left wrist"}
  },
  "pose_coordinates": {
    "NosePoseEstimationSeries": [[10, 20], null, [12, 22]],
    "LeftWristPoseEstimationSeries": [[30, 40], [31, 41], [32, 42]]
  },
  "timestamps": [5.0, 5.5, 6.0]
}`

// Session is a generated manifest whose playlists and pose data are served
// over HTTP.
type Session struct {
	Manifest string
	server   *httptest.Server
}

// URL returns the fixture server URL of name.
func (s *Session) URL(name string) string {
	return s.server.URL + "/" + name
}

// NewSession writes a two-stream session. Each video is an HLS playlist
// of durationS seconds.
func NewSession(t *testing.T, durationS float64) *Session {
	t.Helper()

	dir := t.TempDir()
	files := map[string]string{
		"body.m3u8":      createTestPlaylist(durationS),
		"left.m3u8":      createTestPlaylist(durationS),
		"pose/body.json": bodyPose,
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}

	s := &Session{server: httptest.NewServer(http.FileServer(http.Dir(dir)))}
	t.Cleanup(s.server.Close)

	manifest := map[string]interface{}{
		"videoStreams": map[string]interface{}{
			BodyStream: map[string]interface{}{"url": s.URL("body.m3u8"), "width": 100, "height": 100},
			LeftStream: map[string]interface{}{"url": s.URL("left.m3u8"), "width": 640, "height": 480},
		},
		"timestampsByStream": map[string][]float64{
			LeftStream: {5.0, 5.5, 6.0},
		},
		"poseDatasetsByStream": map[string]string{
			BodyStream: s.URL("pose/body.json"),
		},
		"grid": [][]string{{BodyStream, LeftStream}},
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	s.Manifest = filepath.Join(dir, "session.json")
	if err := os.WriteFile(s.Manifest, data, 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	return s
}

// createTestPlaylist returns a VOD playlist of one-second segments.
func createTestPlaylist(durationS float64) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; float64(i) < durationS; i++ {
		d := durationS - float64(i)
		if d > 1 {
			d = 1
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\nsegment%03d.ts\n", d, i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// Instance is one running posesync process.
type Instance struct {
	ID       string
	HTTPPort int
	RaftPort int
	Cmd      *exec.Cmd
	Cancel   context.CancelFunc
}

// BaseURL returns the instance's API root.
func (i *Instance) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", i.HTTPPort)
}

// TestHarness manages posesync processes for integration tests.
type TestHarness struct {
	t         *testing.T
	session   *Session
	instances []*Instance
	client    *http.Client
}

// NewTestHarness creates a new test harness around session.
func NewTestHarness(t *testing.T, session *Session) *TestHarness {
	t.Helper()
	return &TestHarness{
		t:       t,
		session: session,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// StartPoseSync starts one posesync serve process. env entries are
// NAME=value pairs added to the process environment.
func (h *TestHarness) StartPoseSync(id string, env ...string) *Instance {
	h.t.Helper()

	binaryPath := h.findPoseSyncBinary()
	httpPort := findAvailablePort(h.t)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binaryPath,
		"serve",
		"--manifest", h.session.Manifest,
		"--listen", fmt.Sprintf("127.0.0.1:%d", httpPort),
	)
	cmd.Env = append(os.Environ(),
		"POSESYNC_NODE_ID="+id,
		"POSESYNC_PROBE=true",
	)
	cmd.Env = append(cmd.Env, env...)

	// Capture output for debugging
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cancel()
		h.t.Fatalf("failed to start posesync: %v", err)
	}

	inst := &Instance{ID: id, HTTPPort: httpPort, Cmd: cmd, Cancel: cancel}
	h.instances = append(h.instances, inst)
	return inst
}

// WaitReady waits until inst answers its health check.
func (h *TestHarness) WaitReady(inst *Instance, timeout time.Duration) {
	h.t.Helper()
	waitForServer(h.t, inst.BaseURL()+"/health", timeout)
	h.t.Logf("posesync %s ready on port %d", inst.ID, inst.HTTPPort)
}

// Get decodes the JSON response of a GET into out and returns the status.
func (h *TestHarness) Get(inst *Instance, path string, out interface{}) int {
	h.t.Helper()
	return h.do(inst, http.MethodGet, path, nil, out)
}

// Post sends body as JSON and decodes the response into out.
func (h *TestHarness) Post(inst *Instance, path string, body, out interface{}) int {
	h.t.Helper()
	return h.do(inst, http.MethodPost, path, body, out)
}

// Put sends body as JSON and decodes the response into out.
func (h *TestHarness) Put(inst *Instance, path string, body, out interface{}) int {
	h.t.Helper()
	return h.do(inst, http.MethodPut, path, body, out)
}

func (h *TestHarness) do(inst *Instance, method, path string, body, out interface{}) int {
	h.t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, inst.BaseURL()+path, r)
	if err != nil {
		h.t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read %s body: %v", path, err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			h.t.Fatalf("%s %s: bad JSON %q: %v", method, path, data, err)
		}
	}
	return resp.StatusCode
}

// Cleanup stops all running instances.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	for _, inst := range h.instances {
		h.Stop(inst)
	}
}

// Stop kills one instance.
func (h *TestHarness) Stop(inst *Instance) {
	if inst.Cancel != nil {
		inst.Cancel()
	}
	if inst.Cmd != nil && inst.Cmd.Process != nil {
		inst.Cmd.Process.Kill()
		inst.Cmd.Wait()
	}
}

// findPoseSyncBinary locates the posesync binary.
func (h *TestHarness) findPoseSyncBinary() string {
	h.t.Helper()

	// Try several possible locations
	candidates := []string{
		"../../posesync",          // From test/integration
		"./posesync",              // From project root
		"../posesync",             // From test directory
		"./cmd/posesync/posesync", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			return absPath
		}
	}

	h.t.Fatal("posesync binary not found. Run 'go build -o posesync ./cmd/posesync' first")
	return ""
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}

// waitForServer waits for a server to become available.
func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// snapshot mirrors the fields of GET /api/state the tests inspect.
type snapshot struct {
	State         string          `json:"state"`
	Selected      []string        `json:"selected"`
	LabelsVisible bool            `json:"labels_visible"`
	Visibility    map[string]bool `json:"visibility"`
	Time          *struct {
		Stream           string  `json:"stream"`
		StreamTime       float64 `json:"stream_time"`
		ExactSessionTime float64 `json:"exact_session_time"`
		Duration         float64 `json:"duration"`
		Frame            int     `json:"frame"`
		HasTimestamps    bool    `json:"has_timestamps"`
	} `json:"time"`
}

// overlay mirrors GET /api/overlay.
type overlay struct {
	Frame int `json:"frame"`
	Ops   []struct {
		Keypoint string  `json:"keypoint"`
		X        float64 `json:"x"`
		Y        float64 `json:"y"`
		Color    string  `json:"color"`
		Label    *struct {
			Text string `json:"text"`
		} `json:"label"`
	} `json:"ops"`
}
