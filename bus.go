package stm32boot

import (
	"fmt"

	"github.com/amrbekhit/stm32boot/stm32"
)

// Bus gives word access to the device address space: peripheral registers,
// flash, RAM and system memory.
type Bus interface {
	Read32(addr uint32) uint32
	Write32(addr, value uint32)
}

// Core is the processor the bootloader runs on.
type Core interface {
	DisableInterrupts()
	DataMemoryBarrier()
	DataSyncBarrier()
	SetMSP(sp uint32)
	// Jump branches to entry. It does not return on hardware.
	Jump(entry uint32)
}

// AddressError reports an address supplied by the host that falls outside
// the memory the bootloader may touch.
type AddressError struct {
	Op      string
	Address uint32
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("%s: address %#08x out of range", e.Op, e.Address)
}

// Unwrap classifies address errors as flash operation errors.
func (e *AddressError) Unwrap() error { return ResultOperationError }

// Memory is the only path from protocol-supplied addresses to the bus.
// It checks every access against the device layout.
type Memory struct {
	bus    Bus
	layout stm32.Layout
}

// NewMemory returns a checked view of bus.
func NewMemory(bus Bus, layout stm32.Layout) *Memory {
	return &Memory{bus: bus, layout: layout}
}

// Readable reports whether a word at addr may be read.
func (m *Memory) Readable(addr uint32) bool {
	if addr%4 != 0 {
		return false
	}
	l := m.layout
	return l.InFlash(addr, 4) || l.InRAM(addr, 4) || l.InSystem(addr, 4)
}

// Word reads the word at addr.
func (m *Memory) Word(addr uint32) (uint32, error) {
	if !m.Readable(addr) {
		return 0, &AddressError{Op: "read", Address: addr}
	}
	return m.bus.Read32(addr), nil
}

// Programmable reports whether a word at addr lies in flash.
func (m *Memory) Programmable(addr uint32) bool {
	return m.layout.InFlash(addr, 4)
}

// program writes a word into the flash array. The flash controller must
// already be in programming mode and addr must be Programmable.
func (m *Memory) program(addr, value uint32) {
	m.bus.Write32(addr, value)
}
