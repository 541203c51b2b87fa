package observ

import (
	"strings"
	"testing"
	"time"
)

func fakeClock(step time.Duration) func() time.Time {
	t := time.Unix(0, 0)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func TestTimerReport(t *testing.T) {
	tm := NewTimer()
	tm.now = fakeClock(2 * time.Millisecond)

	a := tm.Begin("target")
	tm.End(a, "x86_64")
	b := tm.Begin("emit")
	tm.End(b, "")
	tm.End(42, "ignored")

	r := tm.Report()
	if len(r.Phases) != 2 || r.TotalMS != 4 {
		t.Fatalf("report %+v", r)
	}
	if r.Phases[0].Name != "target" || r.Phases[0].DurationMS != 2 || r.Phases[0].Note != "x86_64" {
		t.Errorf("phase 0 = %+v", r.Phases[0])
	}

	s := tm.Summary()
	for _, want := range []string{"timings:", "target", "x86_64", "emit", "total"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
}

func TestEmptyTimer(t *testing.T) {
	tm := NewTimer()
	if r := tm.Report(); r.Phases != nil || r.TotalMS != 0 {
		t.Fatalf("report %+v", r)
	}
	if tm.Total() != 0 {
		t.Fatal("non-zero total")
	}
}
