package main

import (
	"debug/elf"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <object>",
	Short: "List the sections and symbols of an ELF object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		relocs, err := cmd.Flags().GetBool("relocs")
		if err != nil {
			return err
		}
		return inspectObject(cmd.OutOrStdout(), args[0], relocs)
	},
}

func init() {
	inspectCmd.Flags().Bool("relocs", false, "also list relocation sections")
}

func inspectObject(out io.Writer, path string, withRelocs bool) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer f.Close()

	fmt.Fprintf(out, "%s: %s %s %s\n", path, f.Class, f.Machine, f.Type)

	secs := table.New().Headers("#", "SECTION", "TYPE", "SIZE", "ALIGN")
	for i, s := range f.Sections {
		if s.Type == elf.SHT_NULL {
			continue
		}
		if !withRelocs && s.Type == elf.SHT_RELA {
			continue
		}
		secs.Row(strconv.Itoa(i), s.Name, s.Type.String(), strconv.FormatUint(s.Size, 10), strconv.FormatUint(s.Addralign, 10))
	}
	fmt.Fprintln(out, secs.Render())

	syms, err := f.Symbols()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	st := table.New().Headers("SYMBOL", "BIND", "TYPE", "SECTION", "VALUE", "SIZE")
	for _, s := range syms {
		st.Row(
			s.Name,
			elf.ST_BIND(s.Info).String(),
			elf.ST_TYPE(s.Info).String(),
			sectionName(f, s.Section),
			strconv.FormatUint(s.Value, 10),
			strconv.FormatUint(s.Size, 10),
		)
	}
	fmt.Fprintln(out, st.Render())
	return nil
}

func sectionName(f *elf.File, idx elf.SectionIndex) string {
	switch {
	case idx == elf.SHN_UNDEF:
		return "UNDEF"
	case idx == elf.SHN_ABS:
		return "ABS"
	case int(idx) < len(f.Sections):
		return f.Sections[idx].Name
	default:
		return idx.String()
	}
}
