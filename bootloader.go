// Package stm32boot implements a field-update bootloader for STM32F4
// microcontrollers and the host side of its serial command protocol.
//
// The device side is built from four parts. Flash drives the flash
// controller registers. Copier moves images between flash addresses with
// bounded per-word retries. Handoff resets the clocks and peripherals and
// jumps into an application image. Dispatcher decodes command frames and
// answers them with ACK or NACK plus an error code. All of them reach the
// hardware through the Bus and Core interfaces; the sim package provides a
// simulated device implementing both.
//
// The host side is made of Bootloader, a transport-agnostic way of issuing
// the individual commands, and Programmer, which loads Intel HEX files,
// programs and verifies them, and starts the application.
//
// A command line tool in cmd/stm32boot serves as both an example of the
// library and a working host program. It can also run the bootloader on a
// simulated device behind a serial port.
package stm32boot

import (
	"encoding/binary"
	"fmt"
)

// The Bootloader interface allows low-level interaction with the bootloader in a transport-agnostic fashion.
// For higher level programming operations, use the Programmer interface.
type Bootloader interface {
	Connect() error
	Disconnect()
	GetInfo() (Identity, error)
	FlashUnlock() error
	FlashLock() error
	FlashProgram(address uint32, data []byte) error
	FlashRead(address uint32) ([]byte, error)
	FlashErase(sector, count uint8) error
	FlashMassErase() error
	FlashCopy(src, dest, size uint32) error
	TransferControl(address uint32) error
	OptionBytesUnlock() error
	OptionBytesLock() error
	OptionBytesRead() (uint32, error)
	WriteProtect(sector uint8) error
	WriteUnprotect(sector uint8) error
}

// NackError is returned when the bootloader refuses a command.
type NackError struct {
	Op   Opcode
	Code byte
}

func (e *NackError) Error() string {
	return fmt.Sprintf("%v refused: %v (%#02x)", e.Op, GetErrorCodeString(e.Code), e.Code)
}

// Command represents a bootloader command.
type Command struct {
	Opcode  Opcode
	Address uint32
	Dest    uint32
	Size    uint32
	Sector  uint8
	Count   uint8
	Data    []byte
	// Response length, excluding the ACK byte.
	responseLength int
	expectsAck     bool
}

// GetBytes returns a byte slice containing the frame for the command.
func (c Command) GetBytes() []byte {
	n, ok := FrameLength(c.Opcode)
	if !ok {
		n = 1
	}
	b := make([]byte, n)
	b[0] = byte(c.Opcode)

	switch c.Opcode {
	case OpFlashProgram:
		binary.LittleEndian.PutUint32(b[addressOffset:], c.Address)
		data := b[dataOffset:]
		for i := range data {
			data[i] = 0xFF
		}
		copy(data, c.Data)
	case OpFlashRead, OpTransferControl:
		binary.LittleEndian.PutUint32(b[addressOffset:], c.Address)
	case OpFlashErase:
		b[sectorOffset] = c.Sector
		b[countOffset] = c.Count
	case OpFlashCopy:
		binary.LittleEndian.PutUint32(b[addressOffset:], c.Address)
		binary.LittleEndian.PutUint32(b[destOffset:], c.Dest)
		binary.LittleEndian.PutUint32(b[sizeOffset:], c.Size)
	case OpWriteProtect, OpWriteUnprotect:
		b[sectorOffset] = c.Sector
	}
	return b
}

// GetResponseLength returns the expected number of response bytes.
func (c Command) GetResponseLength() int {
	return c.responseLength
}

// ExpectsAck returns true if the command is answered with ACK or NACK.
func (c Command) ExpectsAck() bool {
	return c.expectsAck
}

// NewGetInfoCommand returns the representation of the GetInfo command.
// Its response is InfoLines lines of text.
func NewGetInfoCommand() Command {
	return Command{Opcode: OpGetInfo}
}

// NewFlashUnlockCommand returns the representation of the FlashUnlock command.
func NewFlashUnlockCommand() Command {
	return Command{Opcode: OpFlashUnlock, expectsAck: true}
}

// NewFlashLockCommand returns the representation of the FlashLock command.
func NewFlashLockCommand() Command {
	return Command{Opcode: OpFlashLock, expectsAck: true}
}

// NewFlashProgramCommand returns the representation of the FlashProgram
// command. At most BlockSize bytes are sent; a shorter block is padded with
// the erased value 0xFF.
func NewFlashProgramCommand(address uint32, data []byte) Command {
	if len(data) > BlockSize {
		data = data[:BlockSize]
	}
	return Command{
		Opcode:     OpFlashProgram,
		Address:    address,
		Data:       data,
		expectsAck: true,
	}
}

// NewFlashReadCommand returns the representation of the FlashRead command.
func NewFlashReadCommand(address uint32) Command {
	return Command{
		Opcode:         OpFlashRead,
		Address:        address,
		responseLength: BlockSize,
	}
}

// NewFlashEraseCommand returns the representation of the FlashErase command.
func NewFlashEraseCommand(sector, count uint8) Command {
	return Command{
		Opcode:     OpFlashErase,
		Sector:     sector,
		Count:      count,
		expectsAck: true,
	}
}

// NewFlashMassEraseCommand returns the representation of the FlashMassErase command.
func NewFlashMassEraseCommand() Command {
	return Command{Opcode: OpFlashMassErase, expectsAck: true}
}

// NewFlashCopyCommand returns the representation of the FlashCopy command.
func NewFlashCopyCommand(src, dest, size uint32) Command {
	return Command{
		Opcode:     OpFlashCopy,
		Address:    src,
		Dest:       dest,
		Size:       size,
		expectsAck: true,
	}
}

// NewTransferControlCommand returns the representation of the
// TransferControl command. The bootloader does not answer it.
func NewTransferControlCommand(address uint32) Command {
	return Command{Opcode: OpTransferControl, Address: address}
}

// NewOptionBytesUnlockCommand returns the representation of the OptionBytesUnlock command.
func NewOptionBytesUnlockCommand() Command {
	return Command{Opcode: OpOptionBytesUnlock, expectsAck: true}
}

// NewOptionBytesLockCommand returns the representation of the OptionBytesLock command.
func NewOptionBytesLockCommand() Command {
	return Command{Opcode: OpOptionBytesLock, expectsAck: true}
}

// NewOptionBytesReadCommand returns the representation of the OptionBytesRead command.
func NewOptionBytesReadCommand() Command {
	return Command{Opcode: OpOptionBytesRead, responseLength: 4}
}

// NewWriteProtectCommand returns the representation of the WriteProtect command.
func NewWriteProtectCommand(sector uint8) Command {
	return Command{Opcode: OpWriteProtect, Sector: sector, expectsAck: true}
}

// NewWriteUnprotectCommand returns the representation of the WriteUnprotect command.
func NewWriteUnprotectCommand(sector uint8) Command {
	return Command{Opcode: OpWriteUnprotect, Sector: sector, expectsAck: true}
}
