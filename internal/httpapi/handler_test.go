package httpapi

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/authz"
	"pkt.systems/changed/internal/changes"
	"pkt.systems/changed/internal/clock"
	"pkt.systems/changed/internal/dispatch"
	"pkt.systems/changed/internal/lockfile"
	"pkt.systems/changed/internal/policy"
	"pkt.systems/changed/internal/resource"
	"pkt.systems/changed/internal/sysinfo"
	"pkt.systems/changed/internal/tools"
)

func newTestHandler(t *testing.T) (*Handler, *clock.Manual) {
	t.Helper()
	pol := policy.Default()
	manual := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	root := t.TempDir()
	store, err := changes.New(changes.Options{Root: root, Clock: manual})
	if err != nil {
		t.Fatalf("changes.New: %v", err)
	}
	locks, err := lockfile.New(lockfile.Options{Dir: filepath.Join(root, ".locks"), Policy: pol, Clock: manual})
	if err != nil {
		t.Fatalf("lockfile.New: %v", err)
	}
	t.Cleanup(func() { locks.Close() })
	provider, err := resource.New(resource.Options{Store: store, Authorizer: authz.New(pol), Locks: locks, Clock: manual})
	if err != nil {
		t.Fatalf("resource.New: %v", err)
	}
	registry, err := tools.New(tools.Options{
		Store:    store,
		Locks:    locks,
		Provider: provider,
		Policy:   pol,
		Host:     sysinfo.Info{Hostname: "devbox", Username: "casey", Environment: api.EnvironmentLocal},
		Clock:    manual,
	})
	if err != nil {
		t.Fatalf("tools.New: %v", err)
	}
	t.Cleanup(registry.Shutdown)
	dispatcher, err := dispatch.New(dispatch.Options{Tools: registry, Resources: provider})
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	handler, err := New(Options{Dispatcher: dispatcher, Clock: manual, Heartbeat: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return handler, manual
}

func TestNDJSONStreamFraming(t *testing.T) {
	t.Parallel()
	handler, _ := newTestHandler(t)

	body := strings.Join([]string{
		`{"method":"initialize","id":1,"params":{"identity":{"id":"casey"}}}`,
		`{"method":"tools/call","id":2,"params":{"name":"change.open","input":{"slug":"add-login"}}}`,
		`{"method":"tools/call","id":3,"params":{"name":"change.bogus"}}`,
	}, "\n")
	req := httptest.NewRequest(http.MethodPost, "/v1/rpc/ndjson", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Router().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); got != "application/x-ndjson" {
		t.Fatalf("content type = %q", got)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	frames := make([]streamFrame, len(lines))
	for i, line := range lines {
		if err := json.Unmarshal([]byte(line), &frames[i]); err != nil {
			t.Fatalf("frame %d not json: %v", i, err)
		}
	}
	wantEvents := []string{eventStart, eventResult, eventResult, eventError, eventEnd}
	if len(frames) != len(wantEvents) {
		t.Fatalf("got %d frames, want %d:\n%s", len(frames), len(wantEvents), rec.Body.String())
	}
	for i, want := range wantEvents {
		if frames[i].Event != want {
			t.Fatalf("frame %d event = %s, want %s", i, frames[i].Event, want)
		}
	}
	if frames[3].Response == nil || frames[3].Response.Error == nil || frames[3].Response.Error.Code != api.CodeUnknownTool {
		t.Fatalf("error frame = %+v", frames[3])
	}
	if frames[1].Response.Result == nil || frames[1].Response.Error != nil {
		t.Fatalf("result frame carries error: %+v", frames[1])
	}
}

// TestNDJSONOverLiveConnection drives the handler through a real HTTP
// server, where the request body stays open while response frames go out.
func TestNDJSONOverLiveConnection(t *testing.T) {
	t.Parallel()
	handler, _ := newTestHandler(t)
	server := httptest.NewServer(handler.Router())
	defer server.Close()

	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/rpc/ndjson", pr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	readFrame := func() streamFrame {
		t.Helper()
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var frame streamFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			t.Fatalf("frame not json: %v (%q)", err, line)
		}
		return frame
	}

	if frame := readFrame(); frame.Event != eventStart {
		t.Fatalf("first frame = %s, want start", frame.Event)
	}

	// Each request is written only after the previous response arrived, so
	// the body is still open across response writes.
	requests := []string{
		`{"method":"initialize","id":1,"params":{"identity":{"id":"casey"}}}`,
		`{"method":"tools/call","id":2,"params":{"name":"change.open","input":{"slug":"live-change"}}}`,
		`{"method":"shutdown","id":3}`,
	}
	for i, line := range requests {
		if _, err := io.WriteString(pw, line+"\n"); err != nil {
			t.Fatalf("write request %d: %v", i, err)
		}
		frame := readFrame()
		if frame.Event != eventResult {
			t.Fatalf("request %d frame = %+v, want result", i, frame)
		}
		if frame.Response == nil || frame.Response.Error != nil {
			t.Fatalf("request %d response carries error: %+v", i, frame.Response)
		}
	}
	if frame := readFrame(); frame.Event != eventEnd {
		t.Fatalf("final frame = %s, want end", frame.Event)
	}
	pw.Close()
}

func TestNDJSONStopsAfterShutdown(t *testing.T) {
	t.Parallel()
	handler, _ := newTestHandler(t)
	body := strings.Join([]string{
		`{"method":"initialize","id":1}`,
		`{"method":"shutdown","id":2}`,
		`{"method":"tools/list","id":3}`,
	}, "\n")
	req := httptest.NewRequest(http.MethodPost, "/v1/rpc/ndjson", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Router().ServeHTTP(rec, req)

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	// start, initialize result, shutdown result, end.
	if len(lines) != 4 {
		t.Fatalf("got %d frames, want 4:\n%s", len(lines), rec.Body.String())
	}
}

func awaitTimer(t *testing.T, manual *clock.Manual) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if manual.Pending() > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no timer registered")
}

// sseEvent is one decoded server-sent event.
type sseEvent struct {
	name string
	data string
}

func readSSEEvent(t *testing.T, reader *bufio.Reader) sseEvent {
	t.Helper()
	var event sseEvent
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && event.name != "":
			return event
		case strings.HasPrefix(line, "event: "):
			event.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			event.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSSEStreamWithHeartbeat(t *testing.T) {
	t.Parallel()
	handler, manual := newTestHandler(t)
	server := httptest.NewServer(handler.Router())
	defer server.Close()

	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/rpc/sse", pr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}
	reader := bufio.NewReader(resp.Body)

	if _, err := io.WriteString(pw, `{"method":"initialize","id":1,"params":{"identity":{"id":"casey"}}}`+"\n"); err != nil {
		t.Fatalf("write initialize: %v", err)
	}
	event := readSSEEvent(t, reader)
	if event.name != eventResult {
		t.Fatalf("first event = %s, want result", event.name)
	}
	var initResp api.Response
	if err := json.Unmarshal([]byte(event.data), &initResp); err != nil {
		t.Fatalf("decode initialize response: %v", err)
	}
	if initResp.Error != nil {
		t.Fatalf("initialize failed: %+v", initResp.Error)
	}

	// With the connection idle, the heartbeat keeps the stream alive. Wait
	// for the heartbeat waiter to register before advancing.
	awaitTimer(t, manual)
	manual.Advance(6 * time.Second)
	event = readSSEEvent(t, reader)
	if event.name != "heartbeat" {
		t.Fatalf("idle event = %s, want heartbeat", event.name)
	}

	if _, err := io.WriteString(pw, `{"method":"shutdown","id":2}`+"\n"); err != nil {
		t.Fatalf("write shutdown: %v", err)
	}
	event = readSSEEvent(t, reader)
	if event.name != eventResult {
		t.Fatalf("shutdown event = %s", event.name)
	}
	pw.Close()
	if _, err := reader.ReadString('\n'); err == nil {
		// Stream may flush a trailing newline before EOF; a second read must
		// end the stream.
		if _, err := io.ReadAll(reader); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	handler, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
