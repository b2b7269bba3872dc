//go:build linux && amd64

package recompiler

/*
#include <stdint.h>
*/
import "C"

import (
	"unsafe"

	"github.com/colorfulnotion/psxrec/mips"
)

// The helpers below are exported with C linkage so generated code can
// reach them with a plain System V CALL: RDI carries the CPU, ESI/EDX the
// scalar arguments, AL the boolean result. cgo's export wrappers handle
// the C-to-Go transition.

//export goWritePC
func goWritePC(cpu unsafe.Pointer, pc C.uint32_t) {
	(*mips.R3051)(cpu).WritePC(uint32(pc))
}

//export goEnterException
func goEnterException(cpu unsafe.Pointer, code C.uint32_t) {
	(*mips.R3051)(cpu).EnterException(uint32(code))
}

//export goStoreWord
func goStoreWord(cpu unsafe.Pointer, virtualAddress, value C.uint32_t) C.uint8_t {
	if (*mips.R3051)(cpu).StoreWord(uint32(virtualAddress), uint32(value)) {
		return 1
	}
	return 0
}

//export goLoadWord
func goLoadWord(cpu unsafe.Pointer, virtualAddress C.uint32_t, out *C.uint32_t) C.uint8_t {
	value, ok := (*mips.R3051)(cpu).LoadWord(uint32(virtualAddress))
	if !ok {
		return 0
	}
	*out = C.uint32_t(value)
	return 1
}

//export goSetLoadDelayValue
func goSetLoadDelayValue(cpu unsafe.Pointer, value C.uint32_t) {
	(*mips.R3051)(cpu).SetLoadDelayValue(uint32(value))
}

//export goSetLoadDelayRegister
func goSetLoadDelayRegister(cpu unsafe.Pointer, reg C.uint32_t) {
	(*mips.R3051)(cpu).SetLoadDelayRegister(uint32(reg))
}

//export goSetLoadDelaySlot
func goSetLoadDelaySlot(cpu unsafe.Pointer, v C.uint32_t) {
	(*mips.R3051)(cpu).SetLoadDelaySlot(v != 0)
}

//export goSetLoadDelaySlotNext
func goSetLoadDelaySlotNext(cpu unsafe.Pointer, v C.uint32_t) {
	(*mips.R3051)(cpu).SetLoadDelaySlotNext(v != 0)
}

//export goInterpret
func goInterpret(cpu unsafe.Pointer, opcode C.uint32_t) {
	(*mips.R3051)(cpu).Interpret(uint32(opcode))
}
