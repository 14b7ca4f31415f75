package stm32boot

import "fmt"

// Opcode identifies a bootloader command. Values are fixed by the wire
// protocol.
type Opcode uint8

// Bootloader commands.
const (
	OpGetInfo           Opcode = 0x00
	OpFlashUnlock       Opcode = 0x01
	OpFlashLock         Opcode = 0x02
	OpFlashProgram      Opcode = 0x03
	OpFlashRead         Opcode = 0x04
	OpFlashErase        Opcode = 0x05
	OpFlashMassErase    Opcode = 0x06
	OpFlashCopy         Opcode = 0x07
	OpTransferControl   Opcode = 0x08
	OpOptionBytesUnlock Opcode = 0x09
	OpOptionBytesLock   Opcode = 0x0A
	OpOptionBytesRead   Opcode = 0x0B
	OpWriteProtect      Opcode = 0x0C
	OpWriteUnprotect    Opcode = 0x0D

	// Reserved for future read protection and CRC commands.
	OpReadProtect   Opcode = 0x0E
	OpReadUnprotect Opcode = 0x0F
	OpCRCCheck      Opcode = 0x10
)

// Response bytes.
const (
	ACK  = 0x41
	NACK = 0x4E
)

const (
	// FrameSize is the capacity of the receive and transmit buffers.
	FrameSize = 256
	// BlockWords is the number of words moved by FlashProgram and FlashRead.
	BlockWords = 4
	// BlockSize is BlockWords in bytes.
	BlockSize = BlockWords * 4
)

// Field offsets inside an inbound frame.
const (
	addressOffset = 1
	dataOffset    = 5
	sectorOffset  = 1
	countOffset   = 2
	destOffset    = 5

	// The firmware read the size at offset 8, overlapping the destination
	// word. Keep it after the destination.
	sizeOffset = 9
)

// frameLengths holds the full frame length, opcode included, of every
// defined command.
var frameLengths = map[Opcode]int{
	OpGetInfo:           1,
	OpFlashUnlock:       1,
	OpFlashLock:         1,
	OpFlashProgram:      dataOffset + BlockSize,
	OpFlashRead:         addressOffset + 4,
	OpFlashErase:        countOffset + 1,
	OpFlashMassErase:    1,
	OpFlashCopy:         sizeOffset + 4,
	OpTransferControl:   addressOffset + 4,
	OpOptionBytesUnlock: 1,
	OpOptionBytesLock:   1,
	OpOptionBytesRead:   1,
	OpWriteProtect:      sectorOffset + 1,
	OpWriteUnprotect:    sectorOffset + 1,
}

// FrameLength returns the length of a frame carrying op, or false if op is
// not a defined command.
func FrameLength(op Opcode) (int, bool) {
	n, ok := frameLengths[op]
	return n, ok
}

func (op Opcode) String() string {
	switch op {
	case OpGetInfo:
		return "get info"
	case OpFlashUnlock:
		return "flash unlock"
	case OpFlashLock:
		return "flash lock"
	case OpFlashProgram:
		return "flash program"
	case OpFlashRead:
		return "flash read"
	case OpFlashErase:
		return "flash erase"
	case OpFlashMassErase:
		return "flash mass erase"
	case OpFlashCopy:
		return "flash copy"
	case OpTransferControl:
		return "transfer control"
	case OpOptionBytesUnlock:
		return "option bytes unlock"
	case OpOptionBytesLock:
		return "option bytes lock"
	case OpOptionBytesRead:
		return "option bytes read"
	case OpWriteProtect:
		return "write protect"
	case OpWriteUnprotect:
		return "write unprotect"
	case OpReadProtect:
		return "read protect"
	case OpReadUnprotect:
		return "read unprotect"
	case OpCRCCheck:
		return "crc check"
	default:
		return fmt.Sprintf("opcode %#02x", uint8(op))
	}
}
