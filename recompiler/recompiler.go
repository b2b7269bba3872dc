package recompiler

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/colorfulnotion/psxrec/log"
	"github.com/colorfulnotion/psxrec/mips"
)

// HelperTable holds the host addresses generated code calls into. The
// addresses come from the cgo layer; on unsupported platforms they are
// zero and blocks cannot execute.
type HelperTable struct {
	WritePC              uintptr
	EnterException       uintptr
	StoreWord            uintptr
	LoadWord             uintptr
	SetLoadDelayValue    uintptr
	SetLoadDelayRegister uintptr
	SetLoadDelaySlot     uintptr
	SetLoadDelaySlotNext uintptr
	Interpret            uintptr
}

// Mode selects the register-access strategy for the non-trapping ALU
// opcodes. The trapping, faulting and branching opcodes always use their
// inline sequences: they own the block's early-exit paths and pipeline
// bookkeeping, which an interpreter call cannot replicate mid-block.
type Mode int

const (
	// ModeBaseDisp materializes the register-file base once and accesses
	// registers as [base+disp8]. Preferred: three bytes plus displacement
	// per access.
	ModeBaseDisp Mode = iota
	// ModeAbsolute accesses each register through EAX with a 64-bit
	// absolute address (the A1/A3 forms).
	ModeAbsolute
	// ModeHelper marshals (cpu, opcode) and calls the interpreter.
	ModeHelper
)

// Stack-frame layout of a generated block. The frame size keeps RSP
// 16-byte aligned at every emitted CALL: entry leaves RSP at 8 mod 16,
// PUSH RBP brings it to 0, and the frame size is a 16-byte multiple.
const (
	loadDelayValueOffset int8 = -4
	branchDecisionOffset int8 = -8
	blockFrameSize            = 0x10
)

// Compiler translates one basic block. It drives the emitter per opcode,
// carries the pipeline State between instructions, and pins the guest CPU
// while its addresses are baked into code.
type Compiler struct {
	cpu     *mips.R3051
	emitter *Emitter
	state   *State
	helpers HelperTable
	mode    Mode
	pinner  runtime.Pinner
}

// NewCompiler prepares a block starting at guest pc. The recompiler state
// is seeded from the CPU's live load-delay bookkeeping, so a block can
// start in the delay slot of a load retired by a previous block. Close
// must be called once the block is no longer executed.
func NewCompiler(cpu *mips.R3051, emitter *Emitter, pc uint32) *Compiler {
	c := &Compiler{
		cpu:     cpu,
		emitter: emitter,
		state:   NewState(pc),
		helpers: helperTable(),
	}
	c.state.SetLoadDelaySlot(cpu.GetLoadDelaySlot())
	c.state.SetLoadDelaySlotNext(cpu.GetLoadDelaySlotNext())
	c.state.SetLoadDelayRegister(cpu.GetLoadDelayRegister())
	c.pinner.Pin(cpu)
	return c
}

// SetMode selects the ALU emission strategy.
func (c *Compiler) SetMode(mode Mode) { c.mode = mode }

// State exposes the pipeline bookkeeping, mainly to tests.
func (c *Compiler) State() *State { return c.state }

// Close releases the pin on the guest CPU.
func (c *Compiler) Close() { c.pinner.Unpin() }

func (c *Compiler) cpuAddress() uint64 {
	return uint64(uintptr(unsafe.Pointer(c.cpu)))
}

func (c *Compiler) registerAddress(r uint32) uintptr {
	return c.cpu.RegisterAddress(r)
}

func registerDisp(r uint32) int8 {
	return int8(r * 4)
}

// Prologue establishes the frame and initializes the two stack slots: the
// branch decision defaults to taken (cleared only when a condition
// fails), and the load-delay slot is seeded with the value still in
// flight from before this block.
func (c *Compiler) Prologue() {
	e := c.emitter
	e.PushR64(RBP)
	e.MovR64R64(RBP, RSP)
	e.SubR64Imm8(RSP, blockFrameSize)
	e.MovR32Imm32(RAX, 1)
	e.MovDisp8R32(RBP, branchDecisionOffset, RAX)
	e.MovR32Imm32(RAX, c.cpu.GetLoadDelayValue())
	e.MovDisp8R32(RBP, loadDelayValueOffset, RAX)
}

// EmitOpcode translates one instruction and advances the pipeline state.
// It returns true when the block is complete: the instruction just
// emitted sat in a branch delay slot (taken or not, which only the
// generated code decides), so no further instructions belong to this block.
func (c *Compiler) EmitOpcode(opcode uint32) bool {
	c.emit(opcode)

	// An instruction in a load delay slot retires the pending value. A
	// load handles its own slot (committing early or discarding) and
	// clears the flag before this point.
	if c.state.LoadDelaySlot() {
		c.writeGuestRegisterFromStack(c.state.LoadDelayRegister(), loadDelayValueOffset)
	}
	c.state.SetLoadDelaySlot(c.state.LoadDelaySlotNext())
	c.state.SetLoadDelaySlotNext(false)

	c.state.SetPC(c.state.PC() + 4)
	if c.state.BranchDelaySlot() {
		return true
	}
	c.state.SetBranchDelaySlot(c.state.BranchDelaySlotNext())
	c.state.SetBranchDelaySlotNext(false)
	return false
}

// Epilogue resolves the branch decision, mirrors the pipeline state back
// into the guest, tears down the frame and returns to the host.
func (c *Compiler) Epilogue() {
	e := c.emitter
	if c.state.BranchDelaySlot() {
		notTaken := e.NewLabel()
		done := e.NewLabel()
		e.MovR32Disp8(RAX, RBP, branchDecisionOffset)
		e.CmpR32Imm8(RAX, 1)
		e.Jne(notTaken)
		c.emitCallHelper(c.helpers.WritePC, c.state.BranchTarget())
		e.Jmp(done)
		e.Bind(notTaken)
		c.emitCallHelper(c.helpers.WritePC, c.state.PC())
		e.Bind(done)
	} else {
		c.emitCallHelper(c.helpers.WritePC, c.state.PC())
	}

	c.emitCallSetLoadDelayValue(loadDelayValueOffset)
	c.emitCallHelper(c.helpers.SetLoadDelayRegister, c.state.LoadDelayRegister())
	c.emitCallHelper(c.helpers.SetLoadDelaySlotNext, boolArg(c.state.LoadDelaySlotNext()))
	c.emitCallHelper(c.helpers.SetLoadDelaySlot, boolArg(c.state.LoadDelaySlot()))

	e.AddR64Imm8(RSP, blockFrameSize)
	e.MovR64R64(RSP, RBP)
	e.PopR64(RBP)
	e.Ret()

	if ids := e.UnresolvedLabels(); len(ids) > 0 {
		panic(fmt.Sprintf("recompiler: unresolved labels at block end: %v", ids))
	}
}

// EmitBlock runs prologue, per-opcode emission and epilogue. Emission
// stops early when a branch delay slot closes the block.
func (c *Compiler) EmitBlock(opcodes []uint32) {
	c.Prologue()
	for _, opcode := range opcodes {
		if c.EmitOpcode(opcode) {
			break
		}
	}
	c.Epilogue()
	log.Debug(log.EmitModule, "block emitted",
		"pc", fmt.Sprintf("%#x", c.state.PC()),
		"bytes", c.emitter.Buffer().Position())
}

// Run compiles opcodes into buf as a block starting at pc, flips the
// buffer executable and runs it to completion.
func Run(cpu *mips.R3051, buf *CodeBuffer, pc uint32, mode Mode, opcodes []uint32) error {
	compiler := NewCompiler(cpu, NewEmitter(buf), pc)
	defer compiler.Close()
	compiler.SetMode(mode)
	compiler.EmitBlock(opcodes)
	if err := buf.Protect(); err != nil {
		return err
	}
	return buf.Call()
}

func boolArg(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// emit dispatches on the primary opcode and, for SPECIAL and REGIMM, on
// the minor field. Unsupported opcodes are not translated.
func (c *Compiler) emit(opcode uint32) {
	switch mips.Op(opcode) {
	case mips.OpSpecial:
		switch mips.Function(opcode) {
		case mips.FnAdd:
			c.emitAdd(opcode)
		case mips.FnAddu:
			c.emitAddu(opcode)
		case mips.FnSubu:
			c.emitSubu(opcode)
		}
	case mips.OpRegimm:
		if mips.Rt(opcode) == mips.RtBltzal {
			c.emitBltzal(opcode)
		}
	case mips.OpAddiu:
		c.emitAddiu(opcode)
	case mips.OpLw:
		c.emitLw(opcode)
	case mips.OpSw:
		c.emitSw(opcode)
	}
}

// emitCallHelper marshals (cpu, arg) into (RDI, ESI) and calls a host
// helper. RSP is 16-byte aligned here by the frame construction.
func (c *Compiler) emitCallHelper(fn uintptr, arg uint32) {
	e := c.emitter
	e.MovR64Imm64(RDI, c.cpuAddress())
	e.MovR32Imm32(RSI, arg)
	e.Call(fn)
}

// emitCallSetLoadDelayValue passes the stack-held delayed value to the
// guest bookkeeping.
func (c *Compiler) emitCallSetLoadDelayValue(stackOffset int8) {
	e := c.emitter
	e.MovR64Imm64(RDI, c.cpuAddress())
	e.MovR32Disp8(RSI, RBP, stackOffset)
	e.Call(c.helpers.SetLoadDelayValue)
}

// writeGuestRegisterFromStack commits the stack-held delayed value to
// guest register rt.
func (c *Compiler) writeGuestRegisterFromStack(rt uint32, stackOffset int8) {
	e := c.emitter
	e.MovR32Disp8(RAX, RBP, stackOffset)
	e.MovR64Imm64(RCX, uint64(c.registerAddress(0)))
	e.MovDisp8R32(RCX, registerDisp(rt), RAX)
}

// emitEarlyExit leaves the block from a fault or trap path. MOV RSP, RBP
// subsumes popping the frame.
func (c *Compiler) emitEarlyExit() {
	e := c.emitter
	e.MovR64R64(RSP, RBP)
	e.PopR64(RBP)
	e.Ret()
}

func (c *Compiler) emitAddu(opcode uint32) {
	// Rd = Rs + Rt
	switch c.mode {
	case ModeHelper:
		c.emitCallHelper(c.helpers.Interpret, opcode)
	case ModeAbsolute:
		e := c.emitter
		e.MovEAXAbs(c.registerAddress(mips.Rs(opcode)))
		e.MovR32R32(RCX, RAX)
		e.MovEAXAbs(c.registerAddress(mips.Rt(opcode)))
		e.AddR32R32(RAX, RCX)
		e.MovAbsEAX(c.registerAddress(mips.Rd(opcode)))
	default:
		e := c.emitter
		e.MovR64Imm64(RDX, uint64(c.registerAddress(0)))
		e.MovR32Disp8(RAX, RDX, registerDisp(mips.Rs(opcode)))
		e.MovR32Disp8(RCX, RDX, registerDisp(mips.Rt(opcode)))
		e.AddR32R32(RAX, RCX)
		e.MovDisp8R32(RDX, registerDisp(mips.Rd(opcode)), RAX)
	}
}

func (c *Compiler) emitSubu(opcode uint32) {
	// Rd = Rs - Rt
	switch c.mode {
	case ModeHelper:
		c.emitCallHelper(c.helpers.Interpret, opcode)
	case ModeAbsolute:
		e := c.emitter
		e.MovEAXAbs(c.registerAddress(mips.Rt(opcode)))
		e.MovR32R32(RCX, RAX)
		e.MovEAXAbs(c.registerAddress(mips.Rs(opcode)))
		e.SubR32R32(RAX, RCX)
		e.MovAbsEAX(c.registerAddress(mips.Rd(opcode)))
	default:
		e := c.emitter
		e.MovR64Imm64(RDX, uint64(c.registerAddress(0)))
		e.MovR32Disp8(RAX, RDX, registerDisp(mips.Rs(opcode)))
		e.MovR32Disp8(RCX, RDX, registerDisp(mips.Rt(opcode)))
		e.SubR32R32(RAX, RCX)
		e.MovDisp8R32(RDX, registerDisp(mips.Rd(opcode)), RAX)
	}
}

func (c *Compiler) emitAddiu(opcode uint32) {
	// Rt = Rs + signExt(Imm)
	switch c.mode {
	case ModeHelper:
		c.emitCallHelper(c.helpers.Interpret, opcode)
	case ModeAbsolute:
		e := c.emitter
		e.MovEAXAbs(c.registerAddress(mips.Rs(opcode)))
		e.AddR32Imm32(RAX, mips.ImmediateExtended(opcode))
		e.MovAbsEAX(c.registerAddress(mips.Rt(opcode)))
	default:
		e := c.emitter
		e.MovR64Imm64(RDX, uint64(c.registerAddress(0)))
		e.MovR32Disp8(RAX, RDX, registerDisp(mips.Rs(opcode)))
		e.AddR32Imm32(RAX, mips.ImmediateExtended(opcode))
		e.MovDisp8R32(RDX, registerDisp(mips.Rt(opcode)), RAX)
	}
}

// emitAdd inlines the addition and routes signed overflow to exception
// entry. Rd is only written on the no-overflow path.
func (c *Compiler) emitAdd(opcode uint32) {
	e := c.emitter
	noOverflow := e.NewLabel()
	e.MovR64Imm64(RDX, uint64(c.registerAddress(0)))
	e.MovR32Disp8(RAX, RDX, registerDisp(mips.Rs(opcode)))
	e.MovR32Disp8(RCX, RDX, registerDisp(mips.Rt(opcode)))
	e.AddR32R32(RAX, RCX)
	e.Jno(noOverflow)
	c.emitCallHelper(c.helpers.WritePC, c.state.PC())
	c.emitCallHelper(c.helpers.EnterException, mips.ExcArithmeticOverflow)
	c.emitEarlyExit()
	e.Bind(noOverflow)
	e.MovDisp8R32(RDX, registerDisp(mips.Rd(opcode)), RAX)
}

// emitSw restores the guest PC (so a fault reports the right address),
// marshals (cpu, Rs+signExt(imm), Rt) and calls StoreWord. A false return
// in AL exits the block.
func (c *Compiler) emitSw(opcode uint32) {
	e := c.emitter
	resume := e.NewLabel()
	c.emitCallHelper(c.helpers.WritePC, c.state.PC())
	e.MovR64Imm64(RDI, c.cpuAddress())
	e.MovR64Imm64(RDX, uint64(c.registerAddress(0)))
	e.MovR32Disp8(RSI, RDX, registerDisp(mips.Rs(opcode)))
	e.AddR32Imm32(RSI, mips.ImmediateExtended(opcode))
	e.MovR32Disp8(RDX, RDX, registerDisp(mips.Rt(opcode)))
	e.Call(c.helpers.StoreWord)
	e.TestALImm8(1)
	e.Jne(resume)
	c.emitEarlyExit()
	e.Bind(resume)
}

// emitLw performs the load into the block's stack slot and arms the load
// delay. On a fault the guest's load-delay bookkeeping is reset to the
// architectural state and the block exits.
func (c *Compiler) emitLw(opcode uint32) {
	e := c.emitter
	resume := e.NewLabel()
	rt := mips.Rt(opcode)

	// Entering a load's emit while a previous load is still in its delay
	// slot: a different destination commits now, the same destination is
	// discarded and replaced.
	if c.state.LoadDelaySlot() {
		if dr := c.state.LoadDelayRegister(); dr != rt {
			c.writeGuestRegisterFromStack(dr, loadDelayValueOffset)
		}
		c.state.SetLoadDelaySlot(false)
	}

	c.emitCallHelper(c.helpers.WritePC, c.state.PC())

	e.MovR64Imm64(RDI, c.cpuAddress())
	e.MovR64Imm64(RSI, uint64(c.registerAddress(0)))
	e.MovR32Disp8(RSI, RSI, registerDisp(mips.Rs(opcode)))
	e.AddR32Imm32(RSI, mips.ImmediateExtended(opcode))
	e.LeaR64Disp8(RDX, RBP, loadDelayValueOffset)
	e.Call(c.helpers.LoadWord)

	e.TestALImm8(1)
	e.Jne(resume)
	c.emitCallSetLoadDelayValue(loadDelayValueOffset)
	c.emitCallHelper(c.helpers.SetLoadDelayRegister, 0)
	c.emitCallHelper(c.helpers.SetLoadDelaySlotNext, 0)
	c.emitCallHelper(c.helpers.SetLoadDelaySlot, 0)
	c.emitEarlyExit()
	e.Bind(resume)

	c.state.SetLoadDelaySlotNext(true)
	c.state.SetLoadDelayRegister(rt)
}

// emitBltzal writes the link register unconditionally, then clears the
// branch-decision slot when Rs is non-negative. The decision is read back
// in the epilogue once the delay slot has executed.
func (c *Compiler) emitBltzal(opcode uint32) {
	e := c.emitter
	skipClear := e.NewLabel()

	e.MovR64Imm64(RDX, uint64(c.registerAddress(0)))
	e.MovR32Imm32(RAX, c.state.PC()+8)
	e.MovDisp8R32(RDX, registerDisp(31), RAX)

	e.MovR32Disp8(RAX, RDX, registerDisp(mips.Rs(opcode)))
	e.CmpR32Imm8(RAX, 0)
	e.Js(skipClear)
	e.MovR32Imm32(RAX, 0)
	e.MovDisp8R32(RBP, branchDecisionOffset, RAX)
	e.Bind(skipClear)

	c.state.SetBranchDelaySlotNext(true)
	c.state.SetBranchTarget(mips.BranchTarget(c.state.PC(), opcode))
}
