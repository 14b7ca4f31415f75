package stm32boot

import (
	"testing"

	"github.com/pkg/errors"
)

func TestResultCodes(t *testing.T) {
	var tests = []struct {
		r    Result
		code byte
	}{
		{ResultOK, CodeUnknown},
		{ResultSequenceError, 0xE1},
		{ResultParallelismError, 0xE2},
		{ResultAlignmentError, 0xE3},
		{ResultWriteProtectionError, 0xE4},
		{ResultReadProtectionError, 0xE5},
		{ResultOperationError, 0xE6},
	}

	for i, tt := range tests {
		if want, got := tt.code, tt.r.Code(); want != got {
			t.Fatalf("[%02d] %v, unexpected code: %#02x != %#02x", i, tt.r, want, got)
		}
		if want, got := tt.r.String(), GetErrorCodeString(tt.code); tt.r != ResultOK && want != got {
			t.Fatalf("[%02d] unexpected code string: %q != %q", i, want, got)
		}
	}

	if ResultOK.Err() != nil {
		t.Fatal("ResultOK should not be an error")
	}
}

func TestNackCode(t *testing.T) {
	var tests = []struct {
		desc string
		err  error
		code byte
	}{
		{"plain result", ResultAlignmentError, CodeAlignmentError},
		{"wrapped result", errors.Wrap(ResultWriteProtectionError, "erase"), CodeWriteProtectionError},
		{"address error", &AddressError{Op: "read", Address: 1}, CodeOperationError},
		{"wrapped address error", errors.Wrap(&AddressError{Op: "copy"}, "copy"), CodeOperationError},
		{"unaligned copy", ErrUnalignedSize, CodeUnknown},
		{"unknown command", errUnknownCommand, CodeUnknown},
	}

	for i, tt := range tests {
		if want, got := tt.code, nackCode(tt.err); want != got {
			t.Fatalf("[%02d] test %q, unexpected code: %#02x != %#02x", i, tt.desc, want, got)
		}
	}
}

func TestParseInfoIncomplete(t *testing.T) {
	if _, err := ParseInfo([]byte("| BL ID           :    0x1\n")); err == nil {
		t.Fatal("expected error for incomplete info")
	}
}
