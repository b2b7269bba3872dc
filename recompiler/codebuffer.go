// Package recompiler translates MIPS guest instructions into x86-64 host
// code: an executable code buffer, a small typed instruction emitter with
// label fixups, and the per-opcode block compiler.
package recompiler

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/colorfulnotion/psxrec/log"
)

// CodeBuffer owns one executable-memory mapping and a write cursor. It is
// filled front to back by the emitter, flipped to read/execute exactly
// once, then entered via Call. The base address never moves: emitted code
// bakes absolute addresses of both host data and host functions, and Call
// targets the base directly.
type CodeBuffer struct {
	buf       []byte
	pos       int
	protected bool
}

// NewCodeBuffer maps length bytes (rounded up to the host page size) of
// read/write memory.
func NewCodeBuffer(length int) (*CodeBuffer, error) {
	pageSize := os.Getpagesize()
	length = (length + pageSize - 1) &^ (pageSize - 1)
	buf, err := mapBuffer(length)
	if err != nil {
		return nil, fmt.Errorf("codebuffer: map %d bytes: %w", length, err)
	}
	return &CodeBuffer{buf: buf}, nil
}

// Close releases the mapping. The buffer must not be used afterwards.
func (b *CodeBuffer) Close() error {
	if b.buf == nil {
		return nil
	}
	err := unmapBuffer(b.buf)
	b.buf = nil
	b.pos = 0
	return err
}

// Protect flips the mapping to read/execute. Any append or patch after a
// successful Protect is a programmer error and panics.
func (b *CodeBuffer) Protect() error {
	if err := protectBuffer(b.buf); err != nil {
		return fmt.Errorf("codebuffer: protect: %w", err)
	}
	b.protected = true
	log.Trace(log.ExecModule, "code buffer protected", "bytes", b.pos)
	return nil
}

// Call interprets the buffer base as a nullary host function and invokes
// it, returning once the generated code executes RET.
func (b *CodeBuffer) Call() error {
	if !b.protected {
		return fmt.Errorf("codebuffer: call before protect")
	}
	return executeBlock(b.Address())
}

// Address returns the base address of the mapping.
func (b *CodeBuffer) Address() uintptr {
	return uintptr(unsafe.Pointer(&b.buf[0]))
}

// Position returns the current write offset.
func (b *CodeBuffer) Position() int {
	return b.pos
}

// Code returns the bytes emitted so far.
func (b *CodeBuffer) Code() []byte {
	return b.buf[:b.pos]
}

func (b *CodeBuffer) checkWritable() {
	if b.protected {
		panic("codebuffer: write after protect")
	}
	if b.pos >= len(b.buf) {
		panic(fmt.Sprintf("codebuffer: out of space at %d/%d bytes", b.pos, len(b.buf)))
	}
}

// Byte appends a single byte.
func (b *CodeBuffer) Byte(v uint8) {
	b.checkWritable()
	b.buf[b.pos] = v
	b.pos++
}

// ByteAt patches a single already-emitted byte; the position is unchanged.
func (b *CodeBuffer) ByteAt(position int, v uint8) {
	if b.protected {
		panic("codebuffer: patch after protect")
	}
	if position >= b.pos {
		panic(fmt.Sprintf("codebuffer: patch at %d beyond position %d", position, b.pos))
	}
	b.buf[position] = v
}

// Bytes appends each byte in order.
func (b *CodeBuffer) Bytes(vs ...uint8) {
	for _, v := range vs {
		b.Byte(v)
	}
}

// Word appends a 16-bit value little-endian.
func (b *CodeBuffer) Word(v uint16) {
	b.Byte(uint8(v))
	b.Byte(uint8(v >> 8))
}

// DWord appends a 32-bit value little-endian.
func (b *CodeBuffer) DWord(v uint32) {
	b.Word(uint16(v))
	b.Word(uint16(v >> 16))
}

// QWord appends a 64-bit value little-endian.
func (b *CodeBuffer) QWord(v uint64) {
	b.DWord(uint32(v))
	b.DWord(uint32(v >> 32))
}
