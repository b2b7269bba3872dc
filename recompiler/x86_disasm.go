package recompiler

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes generated code into one line per instruction, for
// the CLI and for debugging miscompiled blocks. Decoding stops at the
// first byte sequence x86asm rejects.
func Disassemble(code []byte) ([]string, error) {
	var lines []string
	for pos := 0; pos < len(code); {
		inst, err := x86asm.Decode(code[pos:], 64)
		if err != nil {
			return lines, fmt.Errorf("disasm: undecodable bytes at %#x: %w", pos, err)
		}
		lines = append(lines, fmt.Sprintf("%04x  %-24s %s",
			pos,
			hex.EncodeToString(code[pos:pos+inst.Len]),
			x86asm.GNUSyntax(inst, uint64(pos), nil)))
		pos += inst.Len
	}
	return lines, nil
}
