package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"kiln/internal/buildpipeline"
)

func TestApplyEvent(t *testing.T) {
	m := NewProgressModel("hello.o", nil).(*progressModel)

	m.Update(eventMsg{Stage: buildpipeline.StageTarget, Status: buildpipeline.StatusWorking})
	if m.active != "resolving" || m.items[0].status != buildpipeline.StatusWorking {
		t.Fatalf("working state: %+v", m.items[0])
	}
	m.Update(eventMsg{Stage: buildpipeline.StageTarget, Status: buildpipeline.StatusDone, Detail: "x86_64-unknown-linux-gnu native", Elapsed: time.Millisecond})
	m.Update(eventMsg{Stage: buildpipeline.StageDeclare, Status: buildpipeline.StatusError, Err: errors.New("declare: bad name")})

	view := m.View()
	for _, want := range []string{"failed: hello.o", "native", "declare: bad name", "queued"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	m.Update(eventMsg{Stage: "link", Status: buildpipeline.StatusDone})
	if m.items[len(m.items)-1].status != buildpipeline.StatusQueued {
		t.Error("unknown stage changed a row")
	}
}

func TestDoneQuits(t *testing.T) {
	m := NewProgressModel("x", nil)
	_, cmd := m.Update(doneMsg{})
	if cmd == nil || !m.(*progressModel).done {
		t.Fatal("doneMsg did not finish the model")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"a long detail line", 10, "a long ..."},
		{"abcdef", 3, "abc"},
		{"日本語テキスト", 8, "日本..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}
