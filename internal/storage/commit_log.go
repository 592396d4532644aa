package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Note: the commit log has a single writer during normal operation and is only
// read back during recovery. These helpers do not coordinate concurrent
// writers with readers.

// Write appends data to w and flushes it. The caller owns w's lifecycle.
func Write(w io.Writer, data []byte) error {
	writer := bufio.NewWriter(w)
	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// ReadAt reads exactly length bytes starting at offset. A read that runs past
// the end of r returns io.ErrUnexpectedEOF together with the bytes it got.
func ReadAt(r io.ReaderAt, offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := r.ReadAt(buf, offset)
	if n == length {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return buf[:n], fmt.Errorf("read %d bytes at %d: %w", length, offset, err)
}
