package stm32boot

import (
	"bytes"
	"testing"

	"github.com/amrbekhit/stm32boot/stm32"
	"github.com/pkg/errors"
)

func testImage(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 1)
	}
	return b
}

func TestCopyImage(t *testing.T) {
	var tests = []struct {
		desc string
		src  uint32
		dest uint32
	}{
		{"ram to flash", 0x20001000, 0x08008000},
		{"flash to flash", 0x08100000, 0x08020000},
	}

	for i, tt := range tests {
		dev, f := testFlash(t)
		image := testImage(256)
		if err := dev.Load(tt.src, image); err != nil {
			t.Fatalf("[%02d] unexpected error: %v", i, err)
		}

		c := NewCopier(f, DefaultCopyRetries)
		if err := c.CopyImage(tt.src, tt.dest, uint32(len(image))); err != nil {
			t.Fatalf("[%02d] test %q, unexpected error: %v", i, tt.desc, err)
		}
		if got := dev.Bytes(tt.dest, uint32(len(image))); !bytes.Equal(image, got) {
			t.Fatalf("[%02d] test %q, unexpected flash contents:\n- want: % X\n-  got: % X",
				i, tt.desc, image, got)
		}

		// Copying the same image again leaves flash unchanged.
		if err := c.CopyImage(tt.src, tt.dest, uint32(len(image))); err != nil {
			t.Fatalf("[%02d] test %q, unexpected error on second copy: %v", i, tt.desc, err)
		}
		if got := dev.Bytes(tt.dest, uint32(len(image))); !bytes.Equal(image, got) {
			t.Fatalf("[%02d] test %q, second copy changed flash", i, tt.desc)
		}

		if dev.Read32(stm32.FlashCR)&stm32.CRLOCK != 0 {
			t.Fatalf("[%02d] test %q, flash should be left unlocked", i, tt.desc)
		}
	}
}

func TestCopyImageRetries(t *testing.T) {
	var tests = []struct {
		desc     string
		retries  int
		failures int
		programs int
		result   Result
	}{
		{
			desc:     "every attempt fails",
			retries:  DefaultCopyRetries,
			failures: -1,
			programs: 4,
			result:   ResultParallelismError,
		},
		{
			desc:     "no retries",
			retries:  0,
			failures: -1,
			programs: 1,
			result:   ResultParallelismError,
		},
		{
			desc:     "recovers on last retry",
			retries:  DefaultCopyRetries,
			failures: 3,
			programs: 3 + 2,
			result:   ResultOK,
		},
	}

	for i, tt := range tests {
		dev, f := testFlash(t)
		image := testImage(8)
		dev.Load(0x20000000, image)
		dev.FailPrograms(tt.failures, stm32.SRPGPERR)

		err := NewCopier(f, tt.retries).CopyImage(0x20000000, 0x08004000, uint32(len(image)))
		if want, got := tt.result.Err(), errors.Cause(err); want != got {
			t.Fatalf("[%02d] test %q, unexpected error: %v != %v", i, tt.desc, want, got)
		}
		if want, got := tt.programs, dev.Programs(); want != got {
			t.Fatalf("[%02d] test %q, unexpected program attempts: %d != %d",
				i, tt.desc, want, got)
		}
		if tt.result == ResultOK {
			if got := dev.Bytes(0x08004000, uint32(len(image))); !bytes.Equal(image, got) {
				t.Fatalf("[%02d] test %q, unexpected flash contents: % X", i, tt.desc, got)
			}
		}
	}
}

func TestCopyImageRejects(t *testing.T) {
	var tests = []struct {
		desc string
		src  uint32
		dest uint32
		size uint32
		code byte
	}{
		{
			desc: "size not a multiple of 4",
			src:  0x20000000,
			dest: 0x08004000,
			size: 10,
			code: CodeUnknown,
		},
		{
			desc: "destination outside flash",
			src:  0x20000000,
			dest: 0x20001000,
			size: 16,
			code: CodeOperationError,
		},
		{
			desc: "source outside memory",
			src:  0x60000000,
			dest: 0x08004000,
			size: 16,
			code: CodeOperationError,
		},
	}

	for i, tt := range tests {
		dev, f := testFlash(t)
		err := NewCopier(f, -1).CopyImage(tt.src, tt.dest, tt.size)
		if err == nil {
			t.Fatalf("[%02d] test %q, expected an error", i, tt.desc)
		}
		if want, got := tt.code, nackCode(err); want != got {
			t.Fatalf("[%02d] test %q, unexpected code: %#02x != %#02x", i, tt.desc, want, got)
		}
		if n := dev.Programs(); n != 0 {
			t.Fatalf("[%02d] test %q, %d words programmed", i, tt.desc, n)
		}
	}

	_, f := testFlash(t)
	err := NewCopier(f, -1).CopyImage(0x20000000, 0x08004000, 6)
	if errors.Cause(err) != ErrUnalignedSize {
		t.Fatalf("unexpected error: %v", err)
	}
}
