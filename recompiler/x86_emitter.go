package recompiler

import (
	"fmt"

	"github.com/colorfulnotion/psxrec/log"
)

// Reg is a host register index as carried in ModR/M fields.
type Reg uint8

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
)

// Short-jump opcodes. Only the two-byte rel8 forms are emitted; the fixup
// machinery refuses displacements that do not fit.
const (
	opJnoShort = 0x71
	opJneShort = 0x75
	opJsShort  = 0x78
	opJmpShort = 0xEB
)

// rex builds a REX prefix from the W, R, X and B bits.
func rex(w, r, x, b uint8) uint8 {
	return 0x40 | (w&1)<<3 | (r&1)<<2 | (x&1)<<1 | b&1
}

// modRM builds a ModR/M byte.
func modRM(mod uint8, reg, rm Reg) uint8 {
	return (mod&3)<<6 | (uint8(reg)&7)<<3 | uint8(rm)&7
}

// Emitter is a thin typed facade over a CodeBuffer: each method appends
// the exact canonical encoding of one instruction. It also owns label
// allocation and short-branch fixups.
type Emitter struct {
	buffer      *CodeBuffer
	callSites   map[uint64][]callSite
	nextLabelID uint64
}

func NewEmitter(buffer *CodeBuffer) *Emitter {
	return &Emitter{
		buffer:    buffer,
		callSites: make(map[uint64][]callSite),
	}
}

// Buffer returns the underlying code buffer.
func (e *Emitter) Buffer() *CodeBuffer { return e.buffer }

// NewLabel mints an unbound label.
func (e *Emitter) NewLabel() *Label {
	l := &Label{id: e.nextLabelID}
	e.nextLabelID++
	return l
}

// Bind fixes the label to the current buffer position and patches every
// outstanding call site recorded against it. Binding twice is a no-op.
func (e *Emitter) Bind(label *Label) {
	if label.Bound() {
		return
	}
	label.bind(e.buffer.Position())
	for _, site := range e.callSites[label.id] {
		e.fixUpCallSite(site, label)
	}
	delete(e.callSites, label.id)
	log.Trace(log.EmitModule, "bound label", "id", label.id, "position", label.position)
}

// UnresolvedLabels returns the ids of labels with outstanding forward
// references. A block must end with none.
func (e *Emitter) UnresolvedLabels() []uint64 {
	ids := make([]uint64, 0, len(e.callSites))
	for id := range e.callSites {
		ids = append(ids, id)
	}
	return ids
}

// fixUpCallSite patches the displacement byte of a short branch. The
// displacement is measured from the byte after the branch (the call site
// position) to the label.
func (e *Emitter) fixUpCallSite(site callSite, label *Label) {
	displacement := label.Position() - site.position
	if displacement < -128 || displacement > 127 {
		panic(fmt.Sprintf("emitter: short branch to label %d out of range: %d bytes", label.id, displacement))
	}
	e.buffer.ByteAt(site.position-1, uint8(int8(displacement)))
}

func (e *Emitter) shortJump(opcode uint8, label *Label) {
	e.buffer.Bytes(opcode, 0x00)
	site := callSite{position: e.buffer.Position()}
	if label.Bound() {
		e.fixUpCallSite(site, label)
	} else {
		e.callSites[label.id] = append(e.callSites[label.id], site)
	}
}

// Jno jumps short if the overflow flag is clear.
func (e *Emitter) Jno(label *Label) { e.shortJump(opJnoShort, label) }

// Jne jumps short if the zero flag is clear.
func (e *Emitter) Jne(label *Label) { e.shortJump(opJneShort, label) }

// Js jumps short if the sign flag is set.
func (e *Emitter) Js(label *Label) { e.shortJump(opJsShort, label) }

// Jmp jumps short unconditionally.
func (e *Emitter) Jmp(label *Label) { e.shortJump(opJmpShort, label) }

// TestALImm8 emits TEST AL, imm8.
func (e *Emitter) TestALImm8(imm8 uint8) {
	e.buffer.Bytes(0xA8, imm8)
}

// CmpR32Imm8 emits CMP r32, imm8 (sign-extended).
func (e *Emitter) CmpR32Imm8(rm Reg, imm8 uint8) {
	e.buffer.Bytes(rex(0, 0, 0, uint8(rm)>>3), 0x83, modRM(3, 7, rm), imm8)
}

// AddR32R32 emits ADD rm32, reg32.
func (e *Emitter) AddR32R32(rm, reg Reg) {
	e.buffer.Bytes(rex(0, uint8(reg)>>3, 0, uint8(rm)>>3), 0x01, modRM(3, reg, rm))
}

// AddR32Imm32 emits ADD rm32, imm32.
func (e *Emitter) AddR32Imm32(rm Reg, imm32 uint32) {
	e.buffer.Bytes(rex(0, 0, 0, uint8(rm)>>3), 0x81, modRM(3, 0, rm))
	e.buffer.DWord(imm32)
}

// AddR64Imm8 emits ADD rm64, imm8 (sign-extended).
func (e *Emitter) AddR64Imm8(rm Reg, imm8 uint8) {
	e.buffer.Bytes(rex(1, 0, 0, uint8(rm)>>3), 0x83, modRM(3, 0, rm), imm8)
}

// SubR32R32 emits SUB rm32, reg32.
func (e *Emitter) SubR32R32(rm, reg Reg) {
	e.buffer.Bytes(rex(0, uint8(reg)>>3, 0, uint8(rm)>>3), 0x29, modRM(3, reg, rm))
}

// SubR64Imm8 emits SUB rm64, imm8 (sign-extended).
func (e *Emitter) SubR64Imm8(rm Reg, imm8 uint8) {
	e.buffer.Bytes(rex(1, 0, 0, uint8(rm)>>3), 0x83, modRM(3, 5, rm), imm8)
}

// MovR32R32 emits MOV rm32, reg32.
func (e *Emitter) MovR32R32(rm, reg Reg) {
	e.buffer.Bytes(rex(0, uint8(reg)>>3, 0, uint8(rm)>>3), 0x89, modRM(3, reg, rm))
}

// MovR32Disp8 emits MOV reg32, [rm64+disp8].
func (e *Emitter) MovR32Disp8(reg, rm Reg, disp8 int8) {
	e.buffer.Bytes(rex(0, uint8(reg)>>3, 0, uint8(rm)>>3), 0x8B, modRM(1, reg, rm), uint8(disp8))
}

// MovDisp8R32 emits MOV [rm64+disp8], reg32.
func (e *Emitter) MovDisp8R32(rm Reg, disp8 int8, reg Reg) {
	e.buffer.Bytes(rex(0, uint8(reg)>>3, 0, uint8(rm)>>3), 0x89, modRM(1, reg, rm), uint8(disp8))
}

// MovR32Imm32 emits MOV r32, imm32.
func (e *Emitter) MovR32Imm32(rw Reg, imm32 uint32) {
	e.buffer.Bytes(rex(0, 0, 0, uint8(rw)>>3), 0xB8+uint8(rw)&7)
	e.buffer.DWord(imm32)
}

// MovR64R64 emits MOV rm64, reg64.
func (e *Emitter) MovR64R64(rm, reg Reg) {
	e.buffer.Bytes(rex(1, uint8(reg)>>3, 0, uint8(rm)>>3), 0x89, modRM(3, reg, rm))
}

// MovR64Imm64 emits MOV r64, imm64.
func (e *Emitter) MovR64Imm64(rw Reg, imm64 uint64) {
	e.buffer.Bytes(rex(1, 0, 0, uint8(rw)>>3), 0xB8+uint8(rw)&7)
	e.buffer.QWord(imm64)
}

// MovEAXAbs emits MOV EAX, moffs32: the 0xA1 form with a 64-bit absolute
// address and no REX.
func (e *Emitter) MovEAXAbs(address uintptr) {
	e.buffer.Byte(0xA1)
	e.buffer.QWord(uint64(address))
}

// MovAbsEAX emits MOV moffs32, EAX.
func (e *Emitter) MovAbsEAX(address uintptr) {
	e.buffer.Byte(0xA3)
	e.buffer.QWord(uint64(address))
}

// LeaR64Disp8 emits LEA reg64, [rm64+disp8].
func (e *Emitter) LeaR64Disp8(reg, rm Reg, disp8 int8) {
	e.buffer.Bytes(rex(1, uint8(reg)>>3, 0, uint8(rm)>>3), 0x8D, modRM(1, reg, rm), uint8(disp8))
}

// PushR64 emits PUSH r64.
func (e *Emitter) PushR64(r Reg) {
	e.buffer.Bytes(rex(0, 0, 0, uint8(r)>>3), 0x50+uint8(r)&7)
}

// PopR64 emits POP r64.
func (e *Emitter) PopR64(r Reg) {
	e.buffer.Bytes(rex(0, 0, 0, uint8(r)>>3), 0x58+uint8(r)&7)
}

// CallRel32 emits CALL rel32.
func (e *Emitter) CallRel32(rel32 uint32) {
	e.buffer.Byte(0xE8)
	e.buffer.DWord(rel32)
}

// Call emits a call to an absolute host address as a rel32 displacement
// from the instruction end. Targets beyond rel32 range are refused: the
// long form (MOV r64, imm64; CALL r64) is not emitted here and would need
// a scratch register convention.
func (e *Emitter) Call(target uintptr) {
	after := uint64(e.buffer.Address()) + uint64(e.buffer.Position()) + 5
	displacement := int64(uint64(target) - after)
	if displacement < -1<<31 || displacement >= 1<<31 {
		panic(fmt.Sprintf("emitter: call target %#x out of rel32 range from %#x", target, after))
	}
	e.CallRel32(uint32(displacement))
}

// Ret emits RET.
func (e *Emitter) Ret() {
	e.buffer.Byte(0xC3)
}
