package stm32

import "fmt"

// Layout describes where flash, RAM and system memory live on a device and
// how the flash array is split into sectors.
type Layout struct {
	FlashBase uint32
	// Sector sizes in bytes, in address order starting at FlashBase.
	Sectors []uint32

	RAMBase uint32
	RAMSize uint32
	// A stack pointer is accepted when sp&RAMMask == RAMBase.
	RAMMask uint32

	SystemBase uint32
	SystemSize uint32
}

// F429 returns the layout of a 2 MiB dual-bank STM32F42x/F43x part.
func F429() Layout {
	bank := []uint32{
		16 << 10, 16 << 10, 16 << 10, 16 << 10,
		64 << 10,
		128 << 10, 128 << 10, 128 << 10, 128 << 10, 128 << 10, 128 << 10, 128 << 10,
	}
	sectors := make([]uint32, 0, 2*len(bank))
	sectors = append(sectors, bank...)
	sectors = append(sectors, bank...)

	return Layout{
		FlashBase:  0x08000000,
		Sectors:    sectors,
		RAMBase:    0x20000000,
		RAMSize:    192 << 10,
		RAMMask:    0xFF000000,
		SystemBase: 0x1FFF0000,
		SystemSize: 30 << 10,
	}
}

// FlashSize returns the total size of the flash array.
func (l Layout) FlashSize() uint32 {
	var n uint32
	for _, s := range l.Sectors {
		n += s
	}
	return n
}

// DualBank reports whether the sectors span a second bank.
func (l Layout) DualBank() bool {
	return len(l.Sectors) > SectorsPerBank
}

// SectorStart returns the address of the first byte of sector i.
func (l Layout) SectorStart(i int) uint32 {
	addr := l.FlashBase
	for _, s := range l.Sectors[:i] {
		addr += s
	}
	return addr
}

// SectorAt returns the sector containing addr.
func (l Layout) SectorAt(addr uint32) (int, bool) {
	if addr < l.FlashBase {
		return 0, false
	}
	start := l.FlashBase
	for i, s := range l.Sectors {
		if addr-start < s {
			return i, true
		}
		start += s
	}
	return 0, false
}

// InFlash reports whether [addr, addr+n) lies inside the flash array.
func (l Layout) InFlash(addr, n uint32) bool {
	return within(addr, n, l.FlashBase, l.FlashSize())
}

// InRAM reports whether [addr, addr+n) lies inside RAM.
func (l Layout) InRAM(addr, n uint32) bool {
	return within(addr, n, l.RAMBase, l.RAMSize)
}

// InSystem reports whether [addr, addr+n) lies inside system memory.
func (l Layout) InSystem(addr, n uint32) bool {
	return within(addr, n, l.SystemBase, l.SystemSize)
}

// ValidStackPointer reports whether sp points into the RAM window.
func (l Layout) ValidStackPointer(sp uint32) bool {
	return sp&l.RAMMask == l.RAMBase
}

// Validate checks that the layout is usable.
func (l Layout) Validate() error {
	if len(l.Sectors) == 0 {
		return fmt.Errorf("layout has no flash sectors")
	}
	if len(l.Sectors) > 2*SectorsPerBank {
		return fmt.Errorf("layout has %d sectors, at most %d supported", len(l.Sectors), 2*SectorsPerBank)
	}
	for i, s := range l.Sectors {
		if s == 0 || s%4 != 0 {
			return fmt.Errorf("sector %d has invalid size %d", i, s)
		}
	}
	if l.RAMSize == 0 {
		return fmt.Errorf("layout has no RAM")
	}
	if l.RAMBase&^l.RAMMask != 0 {
		return fmt.Errorf("RAM base %#08x is not covered by mask %#08x", l.RAMBase, l.RAMMask)
	}
	return nil
}

func within(addr, n, base, size uint32) bool {
	if addr < base {
		return false
	}
	off := uint64(addr - base)
	return off+uint64(n) <= uint64(size)
}
