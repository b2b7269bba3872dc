//go:build !unix

package recompiler

import "fmt"

func mapBuffer(length int) ([]byte, error) {
	return nil, fmt.Errorf("executable memory is not supported on this platform")
}

func protectBuffer(buf []byte) error {
	return fmt.Errorf("executable memory is not supported on this platform")
}

func unmapBuffer(buf []byte) error {
	return nil
}
