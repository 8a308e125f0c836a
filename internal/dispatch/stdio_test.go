package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"pkt.systems/changed/api"
)

func TestServeStdioProcessesInOrder(t *testing.T) {
	t.Parallel()
	dispatcher := newTestDispatcher(t)

	frames := []string{
		`{"method":"initialize","id":1,"params":{"identity":{"id":"casey"}}}`,
		`{"method":"tools/call","id":2,"params":{"name":"change.open","input":{"slug":"add-login"}}}`,
		`not json`,
		`{"method":"resources/list","id":3}`,
		`{"method":"shutdown","id":4}`,
	}
	var out bytes.Buffer
	if err := dispatcher.ServeStdio(context.Background(), strings.NewReader(strings.Join(frames, "\n")+"\n"), &out); err != nil {
		t.Fatalf("ServeStdio: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d response lines, want 5:\n%s", len(lines), out.String())
	}
	responses := make([]api.Response, len(lines))
	for i, line := range lines {
		if err := json.Unmarshal([]byte(line), &responses[i]); err != nil {
			t.Fatalf("line %d not a response: %v", i, err)
		}
	}

	// Responses come back in submission order with ids echoed.
	for i, wantID := range []string{"1", "2", "", "3", "4"} {
		got := string(responses[i].ID)
		if got != wantID {
			t.Fatalf("response %d id = %q, want %q", i, got, wantID)
		}
	}
	if responses[2].Error == nil || responses[2].Error.Code != api.CodeValidation {
		t.Fatalf("malformed frame response = %+v", responses[2])
	}
	if responses[1].Error != nil {
		t.Fatalf("change.open failed: %+v", responses[1].Error)
	}
	if responses[4].Error != nil {
		t.Fatalf("shutdown failed: %+v", responses[4].Error)
	}
}

func TestServeStdioStopsAfterShutdown(t *testing.T) {
	t.Parallel()
	dispatcher := newTestDispatcher(t)
	frames := `{"method":"initialize","id":1}
{"method":"shutdown","id":2}
{"method":"tools/list","id":3}
`
	var out bytes.Buffer
	if err := dispatcher.ServeStdio(context.Background(), strings.NewReader(frames), &out); err != nil {
		t.Fatalf("ServeStdio: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d responses after shutdown frame, want 2:\n%s", len(lines), out.String())
	}
}
