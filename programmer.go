package stm32boot

import (
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"
)

// Programmer reprsents the high level interface that allows devices to be programmed.
type Programmer interface {
	Connect() error
	Disconnect()
	GetInfo() Identity
	LoadHex(data io.Reader) error
	SetProgressCallback(f ProgressFunc)
	Program() error
	Verify() error
	Run(address uint32) error
}

// ProgressFunc is called after every block with the number of bytes
// processed so far and the total for the current stage.
type ProgressFunc func(stage string, done, total int)

func loadHex(data io.Reader) (*gohex.Memory, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(data); err != nil {
		return nil, err
	}
	return mem, nil
}

type progError struct {
	Address uint32
	Err     error
}

func (e *progError) Error() string {
	return fmt.Sprintf("error at %X: %v", e.Address, e.Err)
}

func (e *progError) Unwrap() error { return e.Err }

// segmentsSize returns the total number of data bytes in segments.
func segmentsSize(segments []gohex.DataSegment) int {
	n := 0
	for _, s := range segments {
		n += len(s.Data)
	}
	return n
}

func writeSegments(segments []gohex.DataSegment, writeRowSize int, writeFunc func(uint32, []byte) error, progress func(int)) error {
	done := 0
	for _, segment := range segments {
		offset := 0
		for addr := segment.Address; addr-segment.Address < uint32(len(segment.Data)); addr, offset = addr+uint32(writeRowSize), offset+writeRowSize {
			chunk := segment.Data[offset:]
			if len(chunk) > writeRowSize {
				chunk = segment.Data[offset : offset+writeRowSize]
			}
			err := writeFunc(addr, chunk)
			if err != nil {
				return &progError{Address: addr, Err: err}
			}
			done += len(chunk)
			progress(done)
		}
	}
	return nil
}

func verifySegments(segments []gohex.DataSegment, readRowSize int, readFunc func(uint32) ([]byte, error), progress func(int)) error {
	done := 0
	for _, segment := range segments {
		offset := 0
		for addr := segment.Address; addr-segment.Address < uint32(len(segment.Data)); addr, offset = addr+uint32(readRowSize), offset+readRowSize {
			chunk := segment.Data[offset:]
			if len(chunk) > readRowSize {
				chunk = segment.Data[offset : offset+readRowSize]
			}

			data, err := readFunc(addr)
			if err != nil {
				return &progError{Address: addr, Err: err}
			}
			if len(data) < len(chunk) {
				return &progError{Address: addr, Err: fmt.Errorf("short read of %d bytes", len(data))}
			}
			// Compare the bytes
			for i := range chunk {
				if data[i] != chunk[i] {
					return fmt.Errorf("mismatch at %X, expected %X read %X", addr+uint32(i), chunk[i], data[i])
				}
			}
			done += len(chunk)
			progress(done)
		}
	}
	return nil
}
