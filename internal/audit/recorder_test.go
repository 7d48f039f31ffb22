package audit

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedRecorder() (*Recorder, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return NewRecorder(zap.New(core)), logs
}

func TestRecordPathsWarnsOnlyOnSensitivePaths(t *testing.T) {
	r, logs := newObservedRecorder()

	r.RecordPaths("attempt-1", "acme/widgets", []string{"main.go", ".env", "docs/readme.md"})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d log entries, want 1", len(entries))
	}
	if entries[0].ContextMap()["path"] != ".env" {
		t.Errorf("logged path = %v, want .env", entries[0].ContextMap()["path"])
	}
}

func TestRecordEditorCommand(t *testing.T) {
	tests := []struct {
		name      string
		command   string
		wantCount int
	}{
		{"benign", "leviathan-docgen", 0},
		{"install", "npm install && leviathan-docgen", 1},
		{"outbound", "curl -X POST https://example.com/report", 1},
		{"both", "pip install requests && curl -d @out.json https://example.com", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, logs := newObservedRecorder()
			r.RecordEditorCommand("attempt-1", tt.command)
			if got := logs.Len(); got != tt.wantCount {
				t.Errorf("RecordEditorCommand(%q) logged %d entries, want %d", tt.command, got, tt.wantCount)
			}
		})
	}
}
