package stm32boot

import "fmt"

// Result classifies the outcome of a flash operation. Every value except
// ResultOK is an error.
type Result uint8

// Flash operation results.
const (
	ResultOK Result = iota
	ResultSequenceError
	ResultParallelismError
	ResultAlignmentError
	ResultWriteProtectionError
	ResultReadProtectionError
	ResultOperationError
)

// NACK error codes as sent on the wire.
const (
	CodeSequenceError        = 0xE1
	CodeParallelismError     = 0xE2
	CodeAlignmentError       = 0xE3
	CodeWriteProtectionError = 0xE4
	CodeReadProtectionError  = 0xE5
	CodeOperationError       = 0xE6
	// CodeUnknown is sent for conditions with no flash result.
	CodeUnknown = 0x00
)

// Error implements the error interface.
func (r Result) Error() string {
	return "flash: " + r.String()
}

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultSequenceError:
		return "programming sequence error"
	case ResultParallelismError:
		return "programming parallelism error"
	case ResultAlignmentError:
		return "programming alignment error"
	case ResultWriteProtectionError:
		return "write protection error"
	case ResultReadProtectionError:
		return "read protection error"
	case ResultOperationError:
		return "operation error"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Err returns nil for ResultOK and r otherwise.
func (r Result) Err() error {
	if r == ResultOK {
		return nil
	}
	return r
}

// Code returns the NACK error code for r.
func (r Result) Code() byte {
	switch r {
	case ResultSequenceError:
		return CodeSequenceError
	case ResultParallelismError:
		return CodeParallelismError
	case ResultAlignmentError:
		return CodeAlignmentError
	case ResultWriteProtectionError:
		return CodeWriteProtectionError
	case ResultReadProtectionError:
		return CodeReadProtectionError
	case ResultOperationError:
		return CodeOperationError
	default:
		return CodeUnknown
	}
}

// GetErrorCodeString returns the string representation of a NACK error code.
func GetErrorCodeString(code byte) string {
	switch code {
	case CodeSequenceError:
		return "programming sequence error"
	case CodeParallelismError:
		return "programming parallelism error"
	case CodeAlignmentError:
		return "programming alignment error"
	case CodeWriteProtectionError:
		return "write protection error"
	case CodeReadProtectionError:
		return "read protection error"
	case CodeOperationError:
		return "operation error"
	case CodeUnknown:
		return "unspecified error"
	default:
		return "invalid error code"
	}
}
