package main

import (
	"context"
	"fmt"
	"io"

	"kiln/internal/trace"
)

type traceOptions struct {
	output   string
	level    string
	format   string
	mode     string
	ringSize int
}

// setupTracing builds the tracer described by opts and attaches it to ctx.
// The returned cleanup flushes and closes it.
func setupTracing(ctx context.Context, opts traceOptions, stderr io.Writer) (context.Context, trace.Tracer, func(), error) {
	level, err := trace.ParseLevel(opts.level)
	if err != nil {
		return ctx, nil, nil, fmt.Errorf("invalid trace level: %w", err)
	}
	if level == trace.LevelOff {
		return trace.WithTracer(ctx, trace.Nop), trace.Nop, func() {}, nil
	}
	format, err := trace.ParseFormat(opts.format)
	if err != nil {
		return ctx, nil, nil, err
	}
	var mode trace.StorageMode
	if opts.mode != "" {
		if mode, err = trace.ParseMode(opts.mode); err != nil {
			return ctx, nil, nil, err
		}
	}

	tracer, err := trace.New(trace.Config{
		Level:      level,
		Mode:       mode,
		Format:     format,
		OutputPath: opts.output,
		RingSize:   opts.ringSize,
	})
	if err != nil {
		return ctx, nil, nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	cleanup := func() {
		if err := tracer.Flush(); err != nil {
			fmt.Fprintf(stderr, "trace: flush error: %v\n", err)
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(stderr, "trace: close error: %v\n", err)
		}
	}
	return trace.WithTracer(ctx, tracer), tracer, cleanup, nil
}
