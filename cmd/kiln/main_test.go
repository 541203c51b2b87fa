package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"kiln/internal/target"
)

// resetFlags restores every flag in the tree to its default so runs do not
// leak values into each other.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Chdir(t.TempDir())
	resetFlags(rootCmd)
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	code := run(context.Background(), append(args, "--color", "off"), &stderr)
	return code, stdout.String(), stderr.String()
}

func TestBuildAndInspect(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hello.o")
	code, stdout, stderr := runCLI(t, "build", "--target", "x86_64-linux", "-o", out, "--ui", "off", "--timings")
	if code != 0 {
		t.Fatalf("build exited %d: %s", code, stderr)
	}
	for _, want := range []string{"built hello.o for x86_64-unknown-linux-gnu (native)", "timings:", "codegen"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("build output missing %q:\n%s", want, stdout)
		}
	}

	code, stdout, stderr = runCLI(t, "inspect", out, "--relocs")
	if code != 0 {
		t.Fatalf("inspect exited %d: %s", code, stderr)
	}
	for _, want := range []string{"ELFCLASS64", ".rela.text", "main", "STB_GLOBAL", "puts", "UNDEF", "hello_world"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("inspect output missing %q:\n%s", want, stdout)
		}
	}
}

func TestBuildFailureExitCodes(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"unknown target", []string{"--target", "vax-dec-ultrix"}, 2},
		{"bad setting", []string{"--target", "x86_64-linux", "--set", "nope"}, 2},
		{"invalid entry", []string{"--target", "x86_64-linux", "--entry", "a\x00b"}, 3},
		{"unwritable output", []string{"--target", "x86_64-linux", "-o", filepath.Join(t.TempDir(), "no", "x.o")}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"build", "--ui", "off", "--quiet", "--entry", "main", "--set", "opt_level=none"}, tt.args...)
			code, _, stderr := runCLI(t, args...)
			if code != tt.code {
				t.Fatalf("exit %d, want %d (%s)", code, tt.code, stderr)
			}
			if !strings.HasPrefix(stderr, "error: ") {
				t.Errorf("stderr %q", stderr)
			}
		})
	}
}

func TestTargetsCommand(t *testing.T) {
	code, stdout, _ := runCLI(t, "targets")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	for _, want := range []string{"x86_64-unknown-linux-gnu", "native*", "i686-linux", "tls_model", "elf"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("targets output missing %q:\n%s", want, stdout)
		}
	}
	if host, err := target.Host(); err == nil && !strings.Contains(stdout, "host: "+host.Triple()) {
		t.Errorf("targets output missing host line:\n%s", stdout)
	}
}

func TestVersionJSON(t *testing.T) {
	code, stdout, _ := runCLI(t, "version", "--format", "json")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	var payload versionPayload
	if err := json.Unmarshal([]byte(stdout), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Tool != "kiln" || payload.Version == "" {
		t.Fatalf("payload %+v", payload)
	}
}

func TestColorModes(t *testing.T) {
	orig := color.NoColor
	t.Cleanup(func() { color.NoColor = orig })
	if err := applyColorMode("on"); err != nil || color.NoColor {
		t.Fatalf("on: %v", err)
	}
	if err := applyColorMode("off"); err != nil || !color.NoColor {
		t.Fatalf("off: %v", err)
	}
	if err := applyColorMode("rainbow"); err == nil {
		t.Fatal("accepted an invalid mode")
	}
}

func TestProgressView(t *testing.T) {
	tests := []struct {
		ui      string
		quiet   bool
		tty     bool
		want    bool
		wantErr bool
	}{
		{ui: "", tty: true, want: true},
		{ui: "AUTO", tty: true, quiet: true, want: false},
		{ui: "auto", tty: false, want: false},
		{ui: "on", quiet: true, want: true},
		{ui: " off ", tty: true, want: false},
		{ui: "maybe", wantErr: true},
	}
	for _, tt := range tests {
		got, err := progressView(tt.ui, tt.quiet, tt.tty)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("progressView(%q, quiet=%v, tty=%v) = %v, %v", tt.ui, tt.quiet, tt.tty, got, err)
		}
	}
}
