package buildpipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"kiln/internal/backend"
	"kiln/internal/backend/llvm"
	"kiln/internal/cache"
	"kiln/internal/emit"
	"kiln/internal/ir"
	"kiln/internal/module"
	"kiln/internal/obj"
	"kiln/internal/observ"
	"kiln/internal/target"
	"kiln/internal/trace"
)

// Request describes a build.
type Request struct {
	ModuleName string
	Triple     string
	Settings   []target.Setting
	// Backend selects the code generator; empty picks the target default.
	Backend string
	// Output is the artifact path. Empty derives it from ModuleName.
	Output  string
	Program Program
	// EmitIR, if set, receives the textual IR of the entry function.
	EmitIR string
	// Assemble turns LLVM text output into a relocatable object with clang.
	Assemble bool
	Cache    *cache.DiskCache
	Progress ProgressSink
	// Commands receives external tool command lines.
	Commands io.Writer
}

// Result is the outcome of a successful build.
type Result struct {
	Config    *target.Config
	Object    *obj.Object
	IR        string
	Output    string
	Artifacts []string
	Stats     module.Stats
	Timer     *observ.Timer
}

// DefaultOutput derives the artifact path for a module. Assembled LLVM
// output is a relocatable object like native output.
func DefaultOutput(moduleName string, format obj.Format, assemble bool) string {
	if assemble {
		return moduleName + ".o"
	}
	return moduleName + format.Extension()
}

type pipeline struct {
	ctx    context.Context
	req    *Request
	tracer trace.Tracer
	parent uint64
	timer  *observ.Timer
}

// Build runs every stage for req. On failure the returned error is a
// *StageError and nothing is left at the output path.
func Build(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, &StageError{Stage: StageTarget, Err: fmt.Errorf("nil build request")}
	}
	name := req.ModuleName
	if name == "" {
		name = "hello"
	}
	prog := req.Program.withDefaults()

	tracer := trace.FromContext(ctx)
	root := trace.Begin(tracer, trace.ScopeDriver, "build", trace.CurrentSpan(ctx))
	p := &pipeline{ctx: ctx, req: req, tracer: tracer, parent: root.ID(), timer: observ.NewTimer()}
	res := &Result{Timer: p.timer}
	for _, s := range Stages() {
		p.emit(Event{Stage: s, Status: StatusQueued})
	}

	var (
		cfg  *target.Config
		be   backend.Backend
		m    *module.Module
		decl declared
		fn   *ir.Func
	)
	err := p.run(StageTarget, func() (string, error) {
		var err error
		if cfg, err = target.Resolve(req.Triple, req.Settings); err != nil {
			return "", err
		}
		if be, err = backend.New(req.Backend, cfg); err != nil {
			return "", err
		}
		return cfg.Triple() + " " + be.Name(), nil
	})
	if err == nil {
		res.Config = cfg
		err = p.run(StageDeclare, func() (string, error) {
			var err error
			m, err = module.New(name, cfg, be, module.WithCache(req.Cache), module.WithTracer(tracer, p.parent))
			if err != nil {
				return "", err
			}
			decl, err = prog.declare(m)
			return fmt.Sprintf("%d symbols", len(m.Symbols())), err
		})
	}
	if err == nil {
		err = p.run(StageIR, func() (string, error) {
			var err error
			if fn, err = prog.buildEntry(m, decl); err != nil {
				return "", err
			}
			res.IR = fn.String()
			return fmt.Sprintf("%d insts", len(fn.Insts)), nil
		})
	}
	if err == nil {
		err = p.run(StageVerify, func() (string, error) {
			return "", ir.Verify(fn, cfg.PointerType())
		})
	}
	if err == nil {
		err = p.run(StageCodegen, func() (string, error) {
			if err := m.DefineFunction(decl.entry, fn); err != nil {
				return "", err
			}
			o, err := m.Finish()
			if err != nil {
				return "", err
			}
			res.Object = o
			res.Stats = m.Stats()
			return fmt.Sprintf("compiled=%d cached=%d", res.Stats.Compiled, res.Stats.CacheHits), nil
		})
	}
	if err == nil {
		err = p.run(StageEmit, func() (string, error) {
			return p.writeArtifacts(res, name)
		})
	}
	if err != nil {
		root.End(err.Error())
		return nil, err
	}
	root.End(res.Output)
	return res, nil
}

// run executes one stage, reporting progress, timings and a trace span.
func (p *pipeline) run(stage Stage, fn func() (string, error)) error {
	if err := p.ctx.Err(); err != nil {
		se := &StageError{Stage: stage, Err: err}
		p.emit(Event{Stage: stage, Status: StatusError, Err: se})
		return se
	}
	start := time.Now()
	idx := p.timer.Begin(string(stage))
	span := trace.Begin(p.tracer, trace.ScopeStage, string(stage), p.parent)
	p.emit(Event{Stage: stage, Status: StatusWorking})

	detail, err := fn()
	p.timer.End(idx, detail)
	elapsed := time.Since(start)
	if err != nil {
		err = wrapStage(err, stage)
		span.End(err.Error())
		p.emit(Event{Stage: stage, Status: StatusError, Err: err, Elapsed: elapsed})
		return err
	}
	span.End(detail)
	p.emit(Event{Stage: stage, Status: StatusDone, Detail: detail, Elapsed: elapsed})
	return nil
}

func (p *pipeline) emit(evt Event) {
	if p.req.Progress != nil {
		p.req.Progress.OnEvent(evt)
	}
}

// writeArtifacts persists the object and the optional IR dump concurrently,
// then assembles LLVM text when asked.
func (p *pipeline) writeArtifacts(res *Result, name string) (string, error) {
	o := res.Object
	assemble := p.req.Assemble && o.Format == obj.FormatLLVMText
	out := p.req.Output
	if out == "" {
		out = DefaultOutput(name, o.Format, assemble)
	}
	data, err := emit.Serialize(o)
	if err != nil {
		return "", err
	}

	llPath := out
	if assemble {
		llPath = strings.TrimSuffix(out, filepath.Ext(out)) + ".ll"
		if llPath == out {
			llPath = out + ".ll"
		}
	}

	// Every artifact written so far is removed again if a later write or
	// the assembler fails.
	paths := []string{llPath}
	payloads := [][]byte{data}
	if p.req.EmitIR != "" {
		paths = append(paths, p.req.EmitIR)
		payloads = append(payloads, []byte(res.IR))
	}
	written := make([]bool, len(paths))
	var g errgroup.Group
	for i := range paths {
		g.Go(func() error {
			if err := emit.Persist(payloads[i], paths[i]); err != nil {
				return err
			}
			written[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		removeArtifacts(paths, written)
		return "", err
	}
	res.Artifacts = append(res.Artifacts, paths...)

	if assemble {
		start := time.Now()
		err := llvm.Assemble(p.ctx, llPath, out, llvm.AssembleOptions{
			Triple:   res.Config.Triple(),
			PIC:      res.Config.IsPIC(),
			Commands: p.req.Commands,
		})
		if err != nil {
			removeArtifacts(append(paths, out), append(written, true))
			res.Artifacts = nil
			return "", err
		}
		trace.Point(p.tracer, trace.ScopeStage, "assemble", time.Since(start).String(), p.parent)
		res.Artifacts = append(res.Artifacts, out)
	}
	res.Output = out
	return fmt.Sprintf("%d bytes", len(data)), nil
}

func removeArtifacts(paths []string, written []bool) {
	for i, path := range paths {
		if written[i] {
			_ = os.Remove(path)
		}
	}
}
