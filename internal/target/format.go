package target

// Format names the binary object format native to a target.
type Format string

const (
	FormatELF   Format = "elf"
	FormatMachO Format = "macho"
	FormatCOFF  Format = "coff"
)

func (f Format) IsValid() bool {
	switch f {
	case FormatELF, FormatMachO, FormatCOFF:
		return true
	default:
		return false
	}
}

// OptLevel is the parsed opt_level setting.
type OptLevel uint8

const (
	OptNone OptLevel = iota
	OptSpeed
	OptSpeedAndSize
)

func (o OptLevel) String() string {
	switch o {
	case OptSpeed:
		return "speed"
	case OptSpeedAndSize:
		return "speed_and_size"
	default:
		return "none"
	}
}

// TLSModel is the parsed tls_model setting.
type TLSModel uint8

const (
	TLSNone TLSModel = iota
	TLSLocalExec
)

func (m TLSModel) String() string {
	if m == TLSLocalExec {
		return "local_exec"
	}
	return "none"
}
