//go:build unix

package recompiler

import "golang.org/x/sys/unix"

// mapBuffer allocates an anonymous private read/write mapping.
func mapBuffer(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

// protectBuffer flips a mapping to read/execute.
func protectBuffer(buf []byte) error {
	return unix.Mprotect(buf, unix.PROT_READ|unix.PROT_EXEC)
}

func unmapBuffer(buf []byte) error {
	return unix.Munmap(buf)
}
