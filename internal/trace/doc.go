// Package trace records spans for the kiln build pipeline.
//
// Spans are grouped by scope: the driver run, each pipeline stage, and each
// symbol a stage touches. The level selects how deep recording goes:
//
//   - off: nothing
//   - error: events are kept in a ring and written only when a build fails
//   - phase: driver and stage spans
//   - detail: symbol spans as well
//   - debug: everything
//
// Tracers travel through the pipeline in a context:
//
//	ctx = trace.WithTracer(ctx, t)
//	span := trace.Begin(trace.FromContext(ctx), trace.ScopeStage, "codegen", 0)
//	defer span.End("")
package trace
