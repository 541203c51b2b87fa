package x64

import (
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"

	"kiln/internal/obj"
)

type reg uint8

const (
	rax reg = iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
	r8
	r9
)

// argRegs are the System V integer argument registers.
var argRegs = [...]reg{rdi, rsi, rdx, rcx, r8, r9}

type label int

type fixup struct {
	at  int
	dst label
}

// asm accumulates machine code for one function.
type asm struct {
	buf    []byte
	relocs []obj.Reloc
	labels []int
	fixups []fixup
}

func (a *asm) pos() int { return len(a.buf) }

func (a *asm) emit(b ...byte) { a.buf = append(a.buf, b...) }

func (a *asm) imm32(v int32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(v))
}

func (a *asm) imm64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

func rexW(r, b reg) byte {
	return 0x48 | byte(r>>3&1)<<2 | byte(b>>3&1)
}

// frameModRM addresses [rbp+disp32] with r in the reg field.
func frameModRM(r reg) byte {
	return 0x80 | byte(r&7)<<3 | 0x05
}

// load emits mov r, [rbp+disp].
func (a *asm) load(r reg, disp int32) {
	a.emit(rexW(r, 0), 0x8B, frameModRM(r))
	a.imm32(disp)
}

// store emits mov [rbp+disp], r.
func (a *asm) store(disp int32, r reg) {
	a.emit(rexW(r, 0), 0x89, frameModRM(r))
	a.imm32(disp)
}

// pushSlot emits push qword [rbp+disp].
func (a *asm) pushSlot(disp int32) {
	a.emit(0xFF, 0xB5)
	a.imm32(disp)
}

// popSlot emits pop qword [rbp+disp].
func (a *asm) popSlot(disp int32) {
	a.emit(0x8F, 0x85)
	a.imm32(disp)
}

// mov emits mov dst, src between 64-bit registers.
func (a *asm) mov(dst, src reg) {
	a.emit(rexW(src, dst), 0x89, 0xC0|byte(src&7)<<3|byte(dst&7))
}

// movImm emits movabs rax, imm.
func (a *asm) movImm(imm uint64) {
	a.emit(0x48, 0xB8)
	a.imm64(imm)
}

func (a *asm) subRSP(n int32) {
	if n == 0 {
		return
	}
	a.emit(0x48, 0x81, 0xEC)
	a.imm32(n)
}

func (a *asm) addRSP(n int32) {
	if n == 0 {
		return
	}
	a.emit(0x48, 0x81, 0xC4)
	a.imm32(n)
}

func (a *asm) prologue(frame int32) {
	a.emit(0x55)             // push rbp
	a.emit(0x48, 0x89, 0xE5) // mov rbp, rsp
	a.subRSP(frame)
}

func (a *asm) epilogue() {
	a.emit(0xC9, 0xC3) // leave; ret
}

// reloc records a relocation against the 32 or 64 bits just reserved at at.
func (a *asm) reloc(at int, kind obj.RelocKind, sym uint32, addend int64) error {
	off, err := safecast.Conv[uint64](at)
	if err != nil {
		return fmt.Errorf("%w: relocation offset: %w", ErrMalformed, err)
	}
	a.relocs = append(a.relocs, obj.Reloc{Offset: off, Kind: kind, Symbol: sym, Addend: addend})
	return nil
}

// ripAddr emits lea rax, [rip+sym] or, for GOT access, mov rax, [rip+sym@GOTPCREL].
func (a *asm) ripAddr(kind obj.RelocKind, sym uint32) error {
	op := byte(0x8D)
	if kind == obj.RelocGOTPCREL {
		op = 0x8B
	}
	a.emit(0x48, op, 0x05)
	at := a.pos()
	a.imm32(0)
	return a.reloc(at, kind, sym, -4)
}

// absAddr emits movabs rax, sym.
func (a *asm) absAddr(sym uint32) error {
	a.emit(0x48, 0xB8)
	at := a.pos()
	a.imm64(0)
	return a.reloc(at, obj.RelocAbs64, sym, 0)
}

// tlsAddr materializes the address of a local-exec thread-local symbol.
func (a *asm) tlsAddr(sym uint32) error {
	a.emit(0x64, 0x48, 0x8B, 0x04, 0x25) // mov rax, fs:0
	a.imm32(0)
	a.emit(0x48, 0x8D, 0x80) // lea rax, [rax+disp32]
	at := a.pos()
	a.imm32(0)
	return a.reloc(at, obj.RelocTPOFF32, sym, 0)
}

func (a *asm) call(sym uint32) error {
	a.emit(0xE8)
	at := a.pos()
	a.imm32(0)
	return a.reloc(at, obj.RelocPLT32, sym, -4)
}

func (a *asm) newLabel() label {
	a.labels = append(a.labels, -1)
	return label(len(a.labels) - 1)
}

func (a *asm) bind(l label) { a.labels[l] = a.pos() }

func (a *asm) jmp(l label) {
	a.emit(0xE9)
	a.fixups = append(a.fixups, fixup{at: a.pos(), dst: l})
	a.imm32(0)
}

func (a *asm) je(l label) {
	a.emit(0x0F, 0x84)
	a.fixups = append(a.fixups, fixup{at: a.pos(), dst: l})
	a.imm32(0)
}

// resolve patches every label reference with its rel32 displacement.
func (a *asm) resolve() error {
	for _, f := range a.fixups {
		target := a.labels[f.dst]
		if target < 0 {
			return fmt.Errorf("unbound label %d", f.dst)
		}
		rel, err := safecast.Conv[int32](target - (f.at + 4))
		if err != nil {
			return fmt.Errorf("branch to label %d: %w", f.dst, err)
		}
		binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(rel))
	}
	return nil
}
