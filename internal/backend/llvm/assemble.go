package llvm

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"kiln/internal/errs"
)

var ErrToolchain = fmt.Errorf("%w: llvm toolchain", errs.ErrIO)

// AssembleOptions controls how a .ll file is turned into an object.
type AssembleOptions struct {
	Triple string
	PIC    bool
	// Commands, if set, receives every command line before it runs.
	Commands io.Writer
}

func ensureClangAvailable() error {
	if _, err := exec.LookPath("clang"); err != nil {
		return fmt.Errorf("%w: clang not found; install with: sudo apt-get update && sudo apt-get install -y clang llvm", ErrToolchain)
	}
	return nil
}

// Assemble compiles llPath into the relocatable object objPath with clang,
// falling back to llc.
func Assemble(ctx context.Context, llPath, objPath string, opts AssembleOptions) error {
	clangArgs := []string{"-c", "-x", "ir", llPath, "-o", objPath}
	if opts.Triple != "" {
		clangArgs = append([]string{"--target=" + opts.Triple}, clangArgs...)
	}
	if opts.PIC {
		clangArgs = append(clangArgs, "-fPIC")
	}
	clangErr := ensureClangAvailable()
	if clangErr == nil {
		clangErr = runCommand(ctx, opts.Commands, "clang", clangArgs...)
		if clangErr == nil {
			return nil
		}
	}
	llcPath, llcErr := exec.LookPath("llc")
	if llcErr != nil {
		return fmt.Errorf("%w: clang failed (%w) and llc not found", ErrToolchain, clangErr)
	}
	args := []string{"-filetype=obj", llPath, "-o", objPath}
	if opts.Triple != "" {
		args = append([]string{"-mtriple=" + opts.Triple}, args...)
	}
	if opts.PIC {
		args = append(args, "-relocation-model=pic")
	}
	if err := runCommand(ctx, opts.Commands, llcPath, args...); err != nil {
		return fmt.Errorf("%w: clang and llc failed: %w", ErrToolchain, err)
	}
	return nil
}

func runCommand(ctx context.Context, commands io.Writer, name string, args ...string) error {
	if commands != nil {
		if _, err := fmt.Fprintf(commands, "%s %s\n", name, strings.Join(args, " ")); err != nil {
			return fmt.Errorf("failed to print command: %w", err)
		}
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return err
		}
		return fmt.Errorf("%s: %s", name, msg)
	}
	return nil
}
