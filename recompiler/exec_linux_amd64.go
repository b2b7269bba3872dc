//go:build linux && amd64

package recompiler

/*
#include "exec_linux_amd64.h"
*/
import "C"

import (
	"fmt"
	"runtime"

	"github.com/colorfulnotion/psxrec/log"
)

// executeBlock transfers control to generated code at the given address
// and returns once it executes RET. The thread is locked for the
// duration: the block runs on the system stack and its helper calls
// re-enter Go on this thread.
func executeBlock(code uintptr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during block execution: %v", r)
		}
	}()
	log.Trace(log.ExecModule, "entering block", "code", fmt.Sprintf("%#x", code))
	runtime.LockOSThread()
	C.psxrec_call(C.uintptr_t(code))
	runtime.UnlockOSThread()
	return nil
}

// helperTable resolves the helper addresses baked into generated CALLs.
func helperTable() HelperTable {
	return HelperTable{
		WritePC:              uintptr(C.psxrec_write_pc_addr()),
		EnterException:       uintptr(C.psxrec_enter_exception_addr()),
		StoreWord:            uintptr(C.psxrec_store_word_addr()),
		LoadWord:             uintptr(C.psxrec_load_word_addr()),
		SetLoadDelayValue:    uintptr(C.psxrec_set_load_delay_value_addr()),
		SetLoadDelayRegister: uintptr(C.psxrec_set_load_delay_register_addr()),
		SetLoadDelaySlot:     uintptr(C.psxrec_set_load_delay_slot_addr()),
		SetLoadDelaySlotNext: uintptr(C.psxrec_set_load_delay_slot_next_addr()),
		Interpret:            uintptr(C.psxrec_interpret_addr()),
	}
}
