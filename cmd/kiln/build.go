package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/buildpipeline"
	"kiln/internal/cache"
	"kiln/internal/errs"
	"kiln/internal/target"
	"kiln/internal/trace"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the program into a relocatable object",
	Long: `Build declares an imported function, a writable message and an exported
entry that passes the message to the import, then compiles and writes the
result. Values come from kiln.toml when present; flags override them.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	registerBuildFlags(buildCmd)
}

func registerBuildFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("target", "", "target triple or alias (default: host)")
	f.StringArray("set", nil, "target setting key=value (repeatable)")
	f.String("backend", "", "code generator (native|llvm, default: per target)")
	f.StringP("output", "o", "", "output path (default: <module>.o or <module>.ll)")
	f.String("module-name", "hello", "module name recorded in the object")
	f.String("entry", "main", "exported entry function")
	f.String("import", "puts", "imported function called by the entry")
	f.String("data", "hello_world", "name of the message data symbol")
	f.String("message", "Hello, World!", "message passed to the import")
	f.String("emit-ir", "", "also write the textual IR to this path")
	f.Bool("assemble", false, "assemble LLVM text into an object with clang")
	f.Bool("cache", false, "reuse compiled function bodies across runs")
	f.String("cache-dir", "", "compile cache directory (implies --cache)")
	f.Bool("cache-reset", false, "drop every cache entry before building")
	f.String("ui", "auto", "progress view (auto|on|off)")
	f.String("trace", "", "trace output file (default: stderr)")
	f.String("trace-level", "off", "trace level (off|error|phase|detail|debug)")
	f.String("trace-format", "auto", "trace format (auto|text|ndjson)")
	f.String("trace-mode", "", "trace storage (stream|ring|both)")
}

// progressView reports whether the stage view should drive the build.
// "auto" shows it on a terminal unless --quiet is set.
func progressView(ui string, quiet, tty bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(ui)) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	case "", "auto":
		return tty && !quiet, nil
	}
	return false, fmt.Errorf("%w: --ui %q, want auto|on|off", errs.ErrConfig, ui)
}

func runBuild(cmd *cobra.Command, args []string) error {
	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return err
	}
	showTimings, err := cmd.Flags().GetBool("timings")
	if err != nil {
		return err
	}
	uiFlag, err := cmd.Flags().GetString("ui")
	if err != nil {
		return err
	}
	useUI, err := progressView(uiFlag, quiet, isTerminal(os.Stdout))
	if err != nil {
		return err
	}

	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := stopProfiling(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "profile: %v\n", err)
		}
	}()

	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	m, _, err := loadManifest(wd)
	if err != nil {
		return err
	}
	req, err := buildRequest(cmd, m)
	if err != nil {
		return err
	}
	if req.Cache, err = openCache(cmd); err != nil {
		return err
	}

	opts, err := readTraceOptions(cmd)
	if err != nil {
		return err
	}
	ctx, tracer, cleanup, err := setupTracing(cmd.Context(), opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	if !quiet {
		req.Commands = out
	}
	var res *buildpipeline.Result
	if useUI {
		res, err = runBuildWithUI(ctx, out, "kiln build "+req.ModuleName, req)
	} else {
		res, err = buildpipeline.Build(ctx, req)
	}
	if err != nil {
		if dumpErr := trace.DumpRing(tracer, cmd.ErrOrStderr(), trace.FormatText); dumpErr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: %v\n", dumpErr)
		}
		return err
	}

	if !quiet {
		printBuildResult(out, res)
	}
	if showTimings && res.Timer != nil {
		fmt.Fprint(out, res.Timer.Summary())
	}
	return nil
}

// buildRequest merges defaults, the manifest and explicitly set flags, in
// that order of precedence from lowest to highest.
func buildRequest(cmd *cobra.Command, m *manifest) (*buildpipeline.Request, error) {
	flags := cmd.Flags()
	str := func(name string) string {
		v, _ := flags.GetString(name)
		return v
	}
	pick := func(flag, fromManifest string) string {
		if flags.Changed(flag) || fromManifest == "" {
			return str(flag)
		}
		return fromManifest
	}

	var cfg manifestConfig
	if m != nil {
		cfg = m.Config
		cfg.Output.Path = m.resolvePath(cfg.Output.Path)
		cfg.Output.EmitIR = m.resolvePath(cfg.Output.EmitIR)
	}

	req := &buildpipeline.Request{
		ModuleName: pick("module-name", cfg.Module.Name),
		Triple:     pick("target", cfg.Target.Triple),
		Backend:    pick("backend", cfg.Target.Backend),
		Output:     pick("output", cfg.Output.Path),
		EmitIR:     pick("emit-ir", cfg.Output.EmitIR),
		Program: buildpipeline.Program{
			Entry:   pick("entry", cfg.Program.Entry),
			Import:  pick("import", cfg.Program.Import),
			Data:    pick("data", cfg.Program.Data),
			Message: pick("message", cfg.Program.Message),
		},
		Assemble: cfg.Output.Assemble,
	}
	if flags.Changed("assemble") {
		req.Assemble, _ = flags.GetBool("assemble")
	}

	settings, err := mergeSettings(cfg.Target.settings(), flags)
	if err != nil {
		return nil, err
	}
	req.Settings = settings
	return req, nil
}

type stringArrayGetter interface {
	GetStringArray(name string) ([]string, error)
}

// mergeSettings applies --set values over the manifest settings. A key set
// twice keeps its last value.
func mergeSettings(base []target.Setting, flags stringArrayGetter) ([]target.Setting, error) {
	raw, err := flags.GetStringArray("set")
	if err != nil {
		return nil, err
	}
	out := append([]target.Setting(nil), base...)
	for _, s := range raw {
		setting, err := target.ParseSetting(s)
		if err != nil {
			return nil, &buildpipeline.StageError{Stage: buildpipeline.StageTarget, Err: err}
		}
		replaced := false
		for i := range out {
			if out[i].Key == setting.Key {
				out[i] = setting
				replaced = true
			}
		}
		if !replaced {
			out = append(out, setting)
		}
	}
	return out, nil
}

func openCache(cmd *cobra.Command) (*cache.DiskCache, error) {
	flags := cmd.Flags()
	enabled, _ := flags.GetBool("cache")
	dir, _ := flags.GetString("cache-dir")
	reset, _ := flags.GetBool("cache-reset")
	if !enabled && dir == "" && !reset {
		return nil, nil
	}
	if dir == "" {
		var err error
		if dir, err = cache.DefaultDir("kiln"); err != nil {
			return nil, err
		}
	}
	c, err := cache.Open(dir)
	if err != nil {
		return nil, err
	}
	if reset {
		if err := c.DropAll(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func readTraceOptions(cmd *cobra.Command) (traceOptions, error) {
	flags := cmd.Flags()
	var opts traceOptions
	var err error
	if opts.output, err = flags.GetString("trace"); err != nil {
		return opts, err
	}
	if opts.level, err = flags.GetString("trace-level"); err != nil {
		return opts, err
	}
	if opts.format, err = flags.GetString("trace-format"); err != nil {
		return opts, err
	}
	if opts.mode, err = flags.GetString("trace-mode"); err != nil {
		return opts, err
	}
	// --trace alone means "trace the stages".
	if opts.output != "" && !flags.Changed("trace-level") {
		opts.level = "phase"
	}
	return opts, nil
}

func printBuildResult(out io.Writer, res *buildpipeline.Result) {
	cfg := res.Config
	fmt.Fprintf(out, "built %s for %s (%s)\n", filepath.Base(res.Output), cfg.Triple(), res.Object.Backend)
	for _, a := range res.Artifacts {
		fmt.Fprintf(out, "  wrote %s\n", a)
	}
	if res.Stats.CacheHits > 0 {
		fmt.Fprintf(out, "  %d function(s) from cache\n", res.Stats.CacheHits)
	}
}

