package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestStreamFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelPhase, FormatText)
	stage := Begin(tr, ScopeStage, "codegen", 0)
	sym := Begin(tr, ScopeSymbol, "define:main", stage.ID())
	sym.End("")
	stage.WithExtra("symbols", "3").WithExtra("backend", "native").End("ok")

	out := buf.String()
	if strings.Contains(out, "define:main") {
		t.Fatalf("phase level recorded a symbol span:\n%s", out)
	}
	if !strings.Contains(out, "→ codegen") || !strings.Contains(out, "← codegen") {
		t.Fatalf("missing stage span:\n%s", out)
	}
	if !strings.Contains(out, "(ok) {backend=native, symbols=3}") {
		t.Fatalf("extras not sorted or detail missing:\n%s", out)
	}
}

func TestNDJSON(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelDetail, FormatNDJSON)
	Begin(tr, ScopeSymbol, "define:main", 7).WithExtra("cache", "hit").End("")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	var ev jsonEvent
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != "end" || ev.Scope != "symbol" || ev.ParentID != 7 || ev.Extra["cache"] != "hit" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRingKeepsNewest(t *testing.T) {
	ring := NewRingTracer(3, LevelError)
	for _, name := range []string{"a", "b", "c", "d"} {
		Point(ring, ScopeStage, name, "", 0)
	}
	snap := ring.Snapshot()
	if len(snap) != 3 || snap[0].Name != "b" || snap[2].Name != "d" {
		t.Fatalf("snapshot %v", snap)
	}
	var buf bytes.Buffer
	if err := DumpRing(NewMultiTracer(LevelError, Nop, ring), &buf, FormatText); err != nil {
		t.Fatal(err)
	}
	if strings.Count(buf.String(), "\n") != 3 {
		t.Fatalf("dump:\n%s", buf.String())
	}
}

func TestNewSelectsTracer(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{Level: LevelOff}, "nop"},
		{Config{Level: LevelError, Mode: ModeStream}, "ring"},
		{Config{Level: LevelPhase, Output: &bytes.Buffer{}}, "stream"},
		{Config{Level: LevelDebug, Mode: ModeBoth, Output: &bytes.Buffer{}}, "multi"},
	}
	for _, tt := range tests {
		tr, err := New(tt.cfg)
		if err != nil {
			t.Fatal(err)
		}
		var got string
		switch tr.(type) {
		case nopTracer:
			got = "nop"
		case *RingTracer:
			got = "ring"
		case *StreamTracer:
			got = "stream"
		case *MultiTracer:
			got = "multi"
		}
		if got != tt.want {
			t.Errorf("New(%+v) = %s, want %s", tt.cfg, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"off", "ERROR", "Phase", "detail", "debug"} {
		l, err := ParseLevel(s)
		if err != nil || !strings.EqualFold(l.String(), s) {
			t.Errorf("ParseLevel(%q) = %v, %v", s, l, err)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("ParseLevel accepted an unknown level")
	}
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) != Nop || CurrentSpan(ctx) != 0 {
		t.Fatal("empty context should carry Nop and no span")
	}
	tr := NewRingTracer(8, LevelDebug)
	ctx = WithTracer(ctx, tr)
	span := Begin(FromContext(ctx), ScopeDriver, "build", 0)
	ctx = WithSpan(ctx, span)
	if CurrentSpan(ctx) != span.ID() || span.ID() == 0 {
		t.Fatalf("CurrentSpan = %d, want %d", CurrentSpan(ctx), span.ID())
	}
}
