package fs

import (
	"errors"
	"testing"
)

func TestLogPathRejectsEscapes(t *testing.T) {
	gw, err := NewGateway(t.TempDir())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	for _, id := range []string{"", "..", "../etc/passwd", `a\b`, "nested/job"} {
		if _, err := gw.LogPath(id); !errors.Is(err, ErrInvalidLogPath) {
			t.Fatalf("LogPath(%q) err=%v want ErrInvalidLogPath", id, err)
		}
	}
}

func TestOpenLogAppendsAndDecodesHints(t *testing.T) {
	gw, err := NewGateway(t.TempDir())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	empty, err := gw.Hints("job-1", 0, 0)
	if err != nil {
		t.Fatalf("hints for missing log: %v", err)
	}
	if len(empty.Hints) != 0 {
		t.Fatalf("expected no hints for missing log")
	}

	lines := []string{
		`{"type":"item.started","item":{"id":"i1","type":"command_execution","command":"npm test"}}` + "\n",
		`{"type":"item.completed","item":{"id":"i1","type":"command_execution","command":"npm test","exit_code":0,"status":"completed"}}` + "\n",
	}
	for _, l := range lines {
		f, err := gw.OpenLog("job-1")
		if err != nil {
			t.Fatalf("open log: %v", err)
		}
		if _, err := f.WriteString(l); err != nil {
			t.Fatalf("write log: %v", err)
		}
		f.Close()
	}
	got, err := gw.Hints("job-1", 0, 0)
	if err != nil {
		t.Fatalf("hints: %v", err)
	}
	if len(got.Hints) != 2 || len(got.OKItems) != 1 || got.OKItems[0] != "npm test" {
		t.Fatalf("unexpected progress %+v", got)
	}
}
