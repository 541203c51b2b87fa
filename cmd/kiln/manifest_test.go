package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"kiln/internal/target"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const sampleManifest = `
[module]
name = "greeter"

[target]
triple = "x86_64-linux"
backend = "native"

[target.settings]
is_pic = "true"
opt_level = "speed"

[output]
path = "out/greeter.o"
emit_ir = "out/greeter.ir"

[program]
entry = "start"
message = "hi"
`

func TestFindManifestWalksUp(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, manifestName), sampleManifest)
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	m, ok, err := loadManifest(nested)
	if err != nil || !ok {
		t.Fatalf("loadManifest: ok=%v err=%v", ok, err)
	}
	if m.Root != root || m.Config.Module.Name != "greeter" || m.Config.Program.Entry != "start" {
		t.Fatalf("manifest %+v", m)
	}
	want := []target.Setting{{Key: "is_pic", Value: "true"}, {Key: "opt_level", Value: "speed"}}
	if got := m.Config.Target.settings(); !reflect.DeepEqual(got, want) {
		t.Errorf("settings = %v, want %v", got, want)
	}
}

func TestLoadManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[module\nname = 1", "failed to parse TOML"},
		{"unknown key", "[module]\nnmae = \"x\"", "unknown key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, manifestName), tt.content)
			_, ok, err := loadManifest(dir)
			if !ok || err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("ok=%v err=%v, want %q", ok, err, tt.want)
			}
		})
	}
}

func TestNoManifest(t *testing.T) {
	dir := t.TempDir()
	m, ok, err := loadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if ok && strings.HasPrefix(m.Root, dir) {
		t.Fatalf("found unexpected manifest %s", m.Path)
	}
}

func newTestBuildCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "build"}
	registerBuildFlags(cmd)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatal(err)
	}
	return cmd
}

func TestBuildRequestPrecedence(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, manifestName), sampleManifest)
	m, _, err := loadManifest(root)
	if err != nil {
		t.Fatal(err)
	}

	cmd := newTestBuildCmd(t, "--message", "from flags", "--set", "opt_level=none", "--set", "preserve_frame_pointers=true")
	req, err := buildRequest(cmd, m)
	if err != nil {
		t.Fatal(err)
	}
	if req.ModuleName != "greeter" || req.Triple != "x86_64-linux" || req.Backend != "native" {
		t.Errorf("manifest values lost: %+v", req)
	}
	if req.Output != filepath.Join(root, "out", "greeter.o") {
		t.Errorf("output %q not resolved against the manifest", req.Output)
	}
	if req.Program.Entry != "start" || req.Program.Message != "from flags" || req.Program.Import != "puts" {
		t.Errorf("program %+v", req.Program)
	}
	want := []target.Setting{
		{Key: "is_pic", Value: "true"},
		{Key: "opt_level", Value: "none"},
		{Key: "preserve_frame_pointers", Value: "true"},
	}
	if !reflect.DeepEqual(req.Settings, want) {
		t.Errorf("settings = %v, want %v", req.Settings, want)
	}
}

func TestBuildRequestDefaults(t *testing.T) {
	req, err := buildRequest(newTestBuildCmd(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if req.ModuleName != "hello" || req.Program.Entry != "main" || req.Program.Data != "hello_world" ||
		req.Program.Message != "Hello, World!" || req.Triple != "" || req.Output != "" || len(req.Settings) != 0 {
		t.Fatalf("defaults %+v", req)
	}
}

func TestBadSettingFlag(t *testing.T) {
	_, err := buildRequest(newTestBuildCmd(t, "--set", "opt_level"), nil)
	if err == nil {
		t.Fatal("expected an error")
	}
}
