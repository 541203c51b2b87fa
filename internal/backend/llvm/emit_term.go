package llvm

import (
	"fmt"

	"kiln/internal/ir"
)

func (fe *funcEmitter) emitTerminator(blk ir.Block, term *ir.InstData) error {
	switch term.Opcode {
	case ir.OpReturn:
		if len(term.Args) == 0 {
			fmt.Fprintf(&fe.buf, "  ret void\n")
			return nil
		}
		fmt.Fprintf(&fe.buf, "  ret %s\n", fe.typed(term.Args[0]))
		return nil
	case ir.OpJump:
		fmt.Fprintf(&fe.buf, "  br label %%%s\n", blockLabel(term.Dests[0].Block))
		return nil
	case ir.OpBrif:
		cond := fe.nextTemp()
		fmt.Fprintf(&fe.buf, "  %s = icmp ne %s, 0\n", cond, fe.typed(term.Args[0]))
		then := fe.edgeTarget(blk, 0, term.Dests[0])
		els := fe.edgeTarget(blk, 1, term.Dests[1])
		fmt.Fprintf(&fe.buf, "  br i1 %s, label %%%s, label %%%s\n", cond, then, els)
		return nil
	case ir.OpTrap:
		fmt.Fprintf(&fe.buf, "  call void @llvm.trap()\n")
		fmt.Fprintf(&fe.buf, "  unreachable\n")
		return nil
	default:
		return fmt.Errorf("%w: terminator %s", ErrUnsupported, term.Opcode)
	}
}

// edgeTarget returns the label a conditional branch jumps to. Edges with
// arguments go through a trampoline emitted after the last block.
func (fe *funcEmitter) edgeTarget(blk ir.Block, idx int, dest ir.BlockCall) string {
	if len(dest.Args) == 0 {
		return blockLabel(dest.Block)
	}
	name := fmt.Sprintf("%s.e%d", blockLabel(blk), idx)
	fmt.Fprintf(&fe.tail, "%s:\n  br label %%%s\n", name, blockLabel(dest.Block))
	return name
}
