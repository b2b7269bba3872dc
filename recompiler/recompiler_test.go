//go:build linux && amd64

package recompiler_test

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/psxrec/mips"
	"github.com/colorfulnotion/psxrec/recompiler"
)

func runBlock(t *testing.T, cpu *mips.R3051, pc uint32, mode recompiler.Mode, opcodes []uint32) {
	t.Helper()
	buf, err := recompiler.NewCodeBuffer(4096)
	require.NoError(t, err)
	defer buf.Close()
	require.NoError(t, recompiler.Run(cpu, buf, pc, mode, opcodes))
}

// --- Scenarios from the original examples ---

func TestBlockAdduSubu(t *testing.T) {
	for _, mode := range []recompiler.Mode{recompiler.ModeBaseDisp, recompiler.ModeAbsolute, recompiler.ModeHelper} {
		t.Run(fmt.Sprintf("mode=%d", mode), func(t *testing.T) {
			cpu := mips.NewR3051()
			cpu.WriteRegister(1, 100)
			cpu.WriteRegister(2, 72)
			cpu.WriteRegister(4, 99)
			cpu.WriteRegister(5, 77)

			// ADDU $3, $1, $2 ; SUBU $6, $4, $5
			runBlock(t, cpu, 0x80001000, mode, []uint32{0x00221821, 0x00853023})

			require.Equal(t, uint32(172), cpu.ReadRegister(3))
			require.Equal(t, uint32(22), cpu.ReadRegister(6))
		})
	}
}

func TestBlockAddiu(t *testing.T) {
	for _, mode := range []recompiler.Mode{recompiler.ModeBaseDisp, recompiler.ModeAbsolute, recompiler.ModeHelper} {
		cpu := mips.NewR3051()
		cpu.WriteRegister(10, 8900)

		// ADDIU $11, $10, 2000
		runBlock(t, cpu, 0x80001000, mode, []uint32{0x254B07D0})

		require.Equal(t, uint32(10900), cpu.ReadRegister(11))
	}
}

func TestBlockAddOverflow(t *testing.T) {
	cpu := mips.NewR3051()
	cpu.WriteRegister(1, 0x40000000)
	cpu.WriteRegister(2, 0x40000000)

	// ADD $3, $1, $2 overflows.
	runBlock(t, cpu, 0xBADC0FFE, recompiler.ModeBaseDisp, []uint32{0x00221820})

	require.Equal(t, uint32(0), cpu.ReadRegister(3), "rd must not be written")
	require.Equal(t, uint32(0xBADC0FFE), cpu.Cop0().ReadRegister(mips.EPC))
	require.Equal(t, uint32(mips.ExcArithmeticOverflow), (cpu.Cop0().ReadRegister(mips.CAUSE)>>2)&0x1F)
	require.Equal(t, uint32(mips.BootExceptionVector), cpu.ReadPC())
}

func TestBlockAddNoOverflow(t *testing.T) {
	cpu := mips.NewR3051()
	cpu.WriteRegister(1, 3)
	cpu.WriteRegister(2, 4)

	runBlock(t, cpu, 0x80001000, recompiler.ModeBaseDisp, []uint32{0x00221820})

	require.Equal(t, uint32(7), cpu.ReadRegister(3))
	require.Equal(t, uint32(0x80001004), cpu.ReadPC())
}

func TestBlockStoreWord(t *testing.T) {
	cpu := mips.NewR3051()
	ram := mips.NewRAM(0, 0x100)
	cpu.AttachMemory(ram)
	cpu.WriteRegister(1, 0x20)
	cpu.WriteRegister(2, 0x70)

	// SW $2, 64($1)
	runBlock(t, cpu, 0x80001000, recompiler.ModeBaseDisp, []uint32{0xAC220040})

	v, ok := ram.LoadWord(0x60)
	require.True(t, ok)
	require.Equal(t, uint32(0x70), v)
	require.Equal(t, uint32(0x80001004), cpu.ReadPC())
}

func TestBlockStoreWordFault(t *testing.T) {
	cpu := mips.NewR3051()
	cpu.AttachMemory(mips.NewRAM(0, 0x10))
	cpu.WriteRegister(1, 0x2000)
	cpu.WriteRegister(2, 0x70)
	cpu.WriteRegister(5, 5)

	// The faulting store must exit the block before the ADDIU runs.
	runBlock(t, cpu, 0x80001000, recompiler.ModeBaseDisp, []uint32{0xAC220040, 0x24A60001})

	require.Equal(t, uint32(0), cpu.ReadRegister(6), "instruction after fault must not execute")
	require.Equal(t, uint32(0x80001000), cpu.ReadPC(), "PC reports the faulting instruction")
}

func TestBlockLoadDelay(t *testing.T) {
	cpu := mips.NewR3051()
	ram := mips.NewRAM(0, 0x100)
	require.True(t, ram.StoreWord(0x60, 0xDEADBEEF))
	cpu.AttachMemory(ram)
	cpu.WriteRegister(2, 0x20)

	// LW $1, 64($2) ; NOP. The value commits at the NOP.
	runBlock(t, cpu, 0x80001000, recompiler.ModeBaseDisp, []uint32{0x8C410040, 0x00000000})

	require.Equal(t, uint32(0xDEADBEEF), cpu.ReadRegister(1))
	require.False(t, cpu.GetLoadDelaySlot())
	require.False(t, cpu.GetLoadDelaySlotNext())
}

func TestBlockLoadDelayValueNotVisibleInSlot(t *testing.T) {
	cpu := mips.NewR3051()
	ram := mips.NewRAM(0, 0x100)
	require.True(t, ram.StoreWord(0x60, 1000))
	cpu.AttachMemory(ram)
	cpu.WriteRegister(2, 0x20)
	cpu.WriteRegister(1, 7)

	// LW $1, 64($2) ; ADDU $3, $0, $1. The ADDU sits in the delay slot and
	// must see the old $1.
	runBlock(t, cpu, 0x80001000, recompiler.ModeBaseDisp, []uint32{0x8C410040, 0x00011821})

	require.Equal(t, uint32(7), cpu.ReadRegister(3))
	require.Equal(t, uint32(1000), cpu.ReadRegister(1), "load committed after the slot")
}

func TestBlockLoadDelayDiscardOnSameRt(t *testing.T) {
	cpu := mips.NewR3051()
	ram := mips.NewRAM(0, 0x100)
	require.True(t, ram.StoreWord(0x10, 111))
	require.True(t, ram.StoreWord(0x14, 222))
	cpu.AttachMemory(ram)

	// LW $1, 0x10($0) ; LW $1, 0x14($0) ; NOP: the first load's value is
	// discarded, never visible.
	runBlock(t, cpu, 0x80001000, recompiler.ModeBaseDisp, []uint32{0x8C010010, 0x8C010014, 0x00000000})

	require.Equal(t, uint32(222), cpu.ReadRegister(1))
}

func TestBlockLoadFaultResetsDelayState(t *testing.T) {
	cpu := mips.NewR3051()
	cpu.AttachMemory(mips.NewRAM(0, 0x10))
	cpu.WriteRegister(2, 0x4000)

	runBlock(t, cpu, 0x80001000, recompiler.ModeBaseDisp, []uint32{0x8C410040, 0x00000000})

	require.False(t, cpu.GetLoadDelaySlot())
	require.False(t, cpu.GetLoadDelaySlotNext())
	require.Equal(t, uint32(0), cpu.GetLoadDelayRegister())
	require.Equal(t, uint32(0), cpu.ReadRegister(1))
	require.Equal(t, uint32(0x80001000), cpu.ReadPC())
}

func TestBlockBltzalNotTaken(t *testing.T) {
	cpu := mips.NewR3051()
	cpu.WriteRegister(8, 1)

	// BLTZAL $8, 0x1E ; NOP
	runBlock(t, cpu, 200, recompiler.ModeBaseDisp, []uint32{0x0510001E, 0x00000000})

	require.Equal(t, uint32(208), cpu.ReadRegister(31))
	require.Equal(t, uint32(208), cpu.ReadPC())
}

func TestBlockBltzalTaken(t *testing.T) {
	cpu := mips.NewR3051()
	cpu.WriteRegister(8, 0xFFFFFFFF)

	runBlock(t, cpu, 200, recompiler.ModeBaseDisp, []uint32{0x0510001E, 0x00000000})

	require.Equal(t, uint32(208), cpu.ReadRegister(31))
	require.Equal(t, uint32(200+4+(0x1E<<2)), cpu.ReadPC())
}

func TestBlockBltzalDelaySlotExecutes(t *testing.T) {
	for _, rs8 := range []uint32{1, 0xFFFFFFFF} {
		cpu := mips.NewR3051()
		cpu.WriteRegister(8, rs8)
		cpu.WriteRegister(10, 40)

		// The ADDIU in the delay slot runs exactly once either way, and the
		// block ends there even though more opcodes follow.
		runBlock(t, cpu, 200, recompiler.ModeBaseDisp,
			[]uint32{0x0510001E, 0x254B07D0, 0x254B07D0})

		require.Equal(t, uint32(2040), cpu.ReadRegister(11))
	}
}

// --- Randomized equivalence against the reference pipeline ---

// referenceRun executes a block with the interpreter under the same
// sequencing rules the generated code implements: per-instruction delay
// commits, flag rotation, early exits with the faulting PC, branch
// resolution after the delay slot.
func referenceRun(cpu *mips.R3051, pc uint32, opcodes []uint32) {
	loadSlot := cpu.GetLoadDelaySlot()
	loadSlotNext := cpu.GetLoadDelaySlotNext()
	loadReg := cpu.GetLoadDelayRegister()
	loadVal := cpu.GetLoadDelayValue()
	branchSlot, branchSlotNext := false, false
	branchDecision := true
	var branchTarget uint32

	syncLoad := func() {
		cpu.SetLoadDelayValue(loadVal)
		cpu.SetLoadDelayRegister(loadReg)
		cpu.SetLoadDelaySlotNext(loadSlotNext)
		cpu.SetLoadDelaySlot(loadSlot)
	}

	for _, opcode := range opcodes {
		switch {
		case mips.Op(opcode) == mips.OpLw:
			if loadSlot {
				if loadReg != mips.Rt(opcode) {
					cpu.WriteRegister(loadReg, loadVal)
				}
				loadSlot = false
			}
			cpu.WritePC(pc)
			value, ok := cpu.LoadWord(cpu.ReadRegister(mips.Rs(opcode)) + mips.ImmediateExtended(opcode))
			if !ok {
				cpu.SetLoadDelayValue(loadVal)
				cpu.SetLoadDelayRegister(0)
				cpu.SetLoadDelaySlotNext(false)
				cpu.SetLoadDelaySlot(false)
				return
			}
			loadVal = value
			loadSlotNext = true
			loadReg = mips.Rt(opcode)
		case mips.Op(opcode) == mips.OpSw:
			cpu.WritePC(pc)
			if !cpu.StoreWord(cpu.ReadRegister(mips.Rs(opcode))+mips.ImmediateExtended(opcode), cpu.ReadRegister(mips.Rt(opcode))) {
				return
			}
		case mips.Op(opcode) == mips.OpSpecial && mips.Function(opcode) == mips.FnAdd:
			s := cpu.ReadRegister(mips.Rs(opcode))
			rt := cpu.ReadRegister(mips.Rt(opcode))
			result := s + rt
			if (^(s^rt)&(s^result))>>31 != 0 {
				cpu.WritePC(pc)
				cpu.EnterException(mips.ExcArithmeticOverflow)
				return
			}
			cpu.WriteRegister(mips.Rd(opcode), result)
		case mips.Op(opcode) == mips.OpRegimm && mips.Rt(opcode) == mips.RtBltzal:
			cpu.WriteRegister(31, pc+8)
			if int32(cpu.ReadRegister(mips.Rs(opcode))) >= 0 {
				branchDecision = false
			}
			branchSlotNext = true
			branchTarget = mips.BranchTarget(pc, opcode)
		default:
			cpu.Interpret(opcode)
		}

		if loadSlot {
			cpu.WriteRegister(loadReg, loadVal)
		}
		loadSlot = loadSlotNext
		loadSlotNext = false

		pc += 4
		if branchSlot {
			if branchDecision {
				cpu.WritePC(branchTarget)
			} else {
				cpu.WritePC(pc)
			}
			syncLoad()
			return
		}
		branchSlot = branchSlotNext
		branchSlotNext = false
	}
	cpu.WritePC(pc)
	syncLoad()
}

func requireSameState(t *testing.T, want, got mips.Snapshot, block []uint32) {
	t.Helper()
	if want == got {
		return
	}
	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got)
	require.NoError(t, err)
	opts := jsondiff.DefaultConsoleOptions()
	_, diff := jsondiff.Compare(wantJSON, gotJSON, &opts)
	t.Fatalf("state mismatch for block %#x:\n%s", block, diff)
}

func randomRegisters(rnd *rand.Rand, cpu *mips.R3051) {
	for r := uint32(1); r < 32; r++ {
		cpu.WriteRegister(r, rnd.Uint32())
	}
}

func TestRecompilerMatchesInterpreter(t *testing.T) {
	const ramSize = 0x400
	rnd := rand.New(rand.NewSource(1))

	reg := func() uint32 { return 1 + rnd.Uint32()%31 }
	makeBlock := func(kind int) []uint32 {
		switch kind {
		case 0: // ADDU
			return []uint32{mips.OpSpecial<<26 | reg()<<21 | reg()<<16 | reg()<<11 | mips.FnAddu}
		case 1: // SUBU
			return []uint32{mips.OpSpecial<<26 | reg()<<21 | reg()<<16 | reg()<<11 | mips.FnSubu}
		case 2: // ADDIU
			return []uint32{mips.OpAddiu<<26 | reg()<<21 | reg()<<16 | rnd.Uint32()&0xFFFF}
		case 3: // ADD
			return []uint32{mips.OpSpecial<<26 | reg()<<21 | reg()<<16 | reg()<<11 | mips.FnAdd}
		case 4: // SW base $1
			return []uint32{mips.OpSw<<26 | 1<<21 | reg()<<16 | rnd.Uint32()&0xFF}
		case 5: // LW base $1, delay slot NOP
			return []uint32{mips.OpLw<<26 | 1<<21 | reg()<<16 | rnd.Uint32()&0xFF, 0}
		default: // BLTZAL with NOP delay slot
			return []uint32{mips.OpRegimm<<26 | reg()<<21 | mips.RtBltzal<<16 | rnd.Uint32()&0x1F, 0}
		}
	}

	for kind := 0; kind <= 6; kind++ {
		for trial := 0; trial < 40; trial++ {
			block := makeBlock(kind)

			recompiled := mips.NewR3051()
			interpreted := mips.NewR3051()
			randomRegisters(rnd, recompiled)
			ramA := mips.NewRAM(0, ramSize)
			ramB := mips.NewRAM(0, ramSize)
			for i := uint32(0); i < ramSize; i += 4 {
				v := rnd.Uint32()
				ramA.StoreWord(i, v)
				ramB.StoreWord(i, v)
			}
			// Keep the memory-op base register inside (or near) RAM so both
			// the success and the fault paths are exercised.
			recompiled.WriteRegister(1, rnd.Uint32()%(2*ramSize)&^3)
			for r := uint32(0); r < 32; r++ {
				interpreted.WriteRegister(r, recompiled.ReadRegister(r))
			}
			recompiled.AttachMemory(ramA)
			interpreted.AttachMemory(ramB)

			const pc = 0x80002000
			runBlock(t, recompiled, pc, recompiler.ModeBaseDisp, block)
			referenceRun(interpreted, pc, block)

			requireSameState(t, interpreted.Snapshot(), recompiled.Snapshot(), block)
			for i := uint32(0); i < ramSize; i += 4 {
				a, _ := ramA.LoadWord(i)
				b, _ := ramB.LoadWord(i)
				if a != b {
					t.Fatalf("memory mismatch at %#x for block %#x: %#x != %#x", i, block, a, b)
				}
			}
		}
	}
}

func TestModesAgreeOnAluBlocks(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for trial := 0; trial < 25; trial++ {
		reg := func() uint32 { return 1 + rnd.Uint32()%31 }
		block := []uint32{
			mips.OpSpecial<<26 | reg()<<21 | reg()<<16 | reg()<<11 | mips.FnAddu,
			mips.OpAddiu<<26 | reg()<<21 | reg()<<16 | rnd.Uint32()&0xFFFF,
			mips.OpSpecial<<26 | reg()<<21 | reg()<<16 | reg()<<11 | mips.FnSubu,
		}
		var snapshots []mips.Snapshot
		for _, mode := range []recompiler.Mode{recompiler.ModeBaseDisp, recompiler.ModeAbsolute, recompiler.ModeHelper} {
			cpu := mips.NewR3051()
			rndCopy := rand.New(rand.NewSource(int64(trial)))
			randomRegisters(rndCopy, cpu)
			runBlock(t, cpu, 0x80003000, mode, block)
			snapshots = append(snapshots, cpu.Snapshot())
		}
		require.Equal(t, snapshots[0], snapshots[1], "absolute mode diverged for block %#x", block)
		require.Equal(t, snapshots[0], snapshots[2], "helper mode diverged for block %#x", block)
	}
}

// A block that starts in the delay slot of a load retired by a previous
// block: the compiler seeds its state from the CPU and the prologue
// carries the in-flight value.
func TestBlockStartsInsideLoadDelay(t *testing.T) {
	cpu := mips.NewR3051()
	ram := mips.NewRAM(0, 0x100)
	require.True(t, ram.StoreWord(0x60, 0x1234))
	cpu.AttachMemory(ram)
	cpu.WriteRegister(2, 0x20)

	// Simulate the previous block having interpreted LW $1, 64($2) and
	// rotated the flags, as the original Example9 does.
	cpu.Interpret(0x8C410040)
	cpu.SetLoadDelaySlot(cpu.GetLoadDelaySlotNext())
	cpu.SetLoadDelaySlotNext(false)

	// This block opens with a NOP: the pending value must commit there.
	runBlock(t, cpu, 0x80001000, recompiler.ModeBaseDisp, []uint32{0x00000000})

	require.Equal(t, uint32(0x1234), cpu.ReadRegister(1))
	require.False(t, cpu.GetLoadDelaySlot())
}
