package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"pkt.systems/changed/api"
)

func FuzzServeStdioFrames(f *testing.F) {
	seeds := []string{
		"",
		"\n\n\n",
		`{"method":"initialize","id":1}` + "\n",
		`{"method":"initialize","id":1}` + "\n" + `{"method":"shutdown","id":2}` + "\n",
		`{"method":"tools/call","id":1,"params":{"name":"change.open","input":{"slug":"add-login"}}}` + "\n",
		"not json at all\n",
		`{"method":` + "\n",
		`{"id":[1,2,3],"method":{}}` + "\n",
		`[1,2,3]` + "\n",
		"\x00\x01\x02\n",
	}
	for _, s := range seeds {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, input string) {
		dispatcher := newTestDispatcher(t)
		var out bytes.Buffer
		if err := dispatcher.ServeStdio(context.Background(), strings.NewReader(input), &out); err != nil {
			t.Fatalf("ServeStdio(%q): %v", input, err)
		}
		for _, line := range strings.Split(out.String(), "\n") {
			if line == "" {
				continue
			}
			var resp api.Response
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				t.Fatalf("response frame %q is not a JSON response: %v", line, err)
			}
		}
	})
}
