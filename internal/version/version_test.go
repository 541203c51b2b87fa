package version

import (
	"testing"

	"github.com/fatih/color"
)

func withMetadata(t *testing.T, v, commit, date string) {
	t.Helper()
	origVersion, origCommit, origDate, origNoColor := Version, GitCommit, BuildDate, color.NoColor
	Version, GitCommit, BuildDate = v, commit, date
	color.NoColor = true
	t.Cleanup(func() {
		Version, GitCommit, BuildDate, color.NoColor = origVersion, origCommit, origDate, origNoColor
	})
}

func TestBanner(t *testing.T) {
	tests := []struct {
		version, commit, date string
		want                  string
	}{
		{"0.1.0-dev", "", "", "kiln 0.1.0-dev"},
		{"1.2.3", "1234567890abcdef", "", "kiln 1.2.3 (1234567890ab)"},
		{"1.2.3-rc.1+build.7", "abc", "2026-01-15", "kiln 1.2.3-rc.1+build.7 (abc, 2026-01-15)"},
		{"custom", "", "2026-01-15", "kiln custom (2026-01-15)"},
	}
	for _, tt := range tests {
		withMetadata(t, tt.version, tt.commit, tt.date)
		if got := Banner(); got != tt.want {
			t.Errorf("Banner() = %q, want %q", got, tt.want)
		}
	}
}

func TestColoredKeepsText(t *testing.T) {
	withMetadata(t, "2.0.0-alpha", "", "")
	if got := Colored(); got != "2.0.0-alpha" {
		t.Fatalf("Colored() = %q", got)
	}
}
