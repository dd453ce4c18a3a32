package debug

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/HerbCaudill/beads-ui-sub002/internal/logging"
)

func TestLogfGoesThroughRootLogger(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: logging.DebugLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() { logging.Init(logging.Config{Level: logging.InfoLevel}) })

	SetEnabled(false)
	Logf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("disabled Logf wrote %q", buf.String())
	}

	SetEnabled(true)
	t.Cleanup(func() { SetEnabled(false) })
	Logf("bd %s (dir=%s)", "list --json", "/tmp/ws")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decoding %q: %v", lines[0], err)
	}
	want := map[string]string{"level": "debug", "component": "debug", "message": "bd list --json (dir=/tmp/ws)"}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %q", k, entry[k], v)
		}
	}
}
