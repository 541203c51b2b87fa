package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"kiln/internal/target"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List supported target triples and settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		renderTargets(cmd.OutOrStdout())
		return nil
	},
}

func renderTargets(out io.Writer) {
	t := table.New().Headers("TRIPLE", "ARCH", "PTR", "FORMAT", "BACKENDS", "ALIASES")
	for _, info := range target.Targets() {
		backends := append([]string(nil), info.Backends...)
		if len(backends) > 0 {
			backends[0] += "*"
		}
		t.Row(
			info.Triple,
			info.Arch,
			strconv.Itoa(info.PointerBits),
			string(info.Format),
			strings.Join(backends, ","),
			strings.Join(info.Aliases, ","),
		)
	}
	fmt.Fprintln(out, t.Render())

	s := table.New().Headers("SETTING", "VALUES", "DEFAULT", "FORMATS")
	for _, spec := range target.Settings() {
		formats := "all"
		if len(spec.Formats) > 0 {
			parts := make([]string, len(spec.Formats))
			for i, f := range spec.Formats {
				parts[i] = string(f)
			}
			formats = strings.Join(parts, ",")
		}
		s.Row(spec.Key, strings.Join(spec.Values, "|"), spec.Default, formats)
	}
	fmt.Fprintln(out, s.Render())
	fmt.Fprintln(out, "* default backend")
	if host, err := target.Host(); err == nil {
		fmt.Fprintf(out, "host: %s\n", host.Triple())
	}
}
