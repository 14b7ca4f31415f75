package stm32boot

import (
	"github.com/amrbekhit/stm32boot/stm32"
	"github.com/pkg/errors"
)

// Flash drives the flash interface registers: program lock, word
// programming, sector and mass erase, and write protection through the
// option bytes. A Flash must not be used concurrently.
type Flash struct {
	bus       Bus
	mem       *Memory
	layout    stm32.Layout
	pollLimit int
	last      Result
}

// FlashOption configures a Flash.
type FlashOption func(*Flash)

// WithPollLimit bounds every busy wait to n status reads. Zero, the
// default, waits forever.
func WithPollLimit(n int) FlashOption {
	return func(f *Flash) {
		if n >= 0 {
			f.pollLimit = n
		}
	}
}

// NewFlash returns an engine for the flash controller behind bus.
func NewFlash(bus Bus, layout stm32.Layout, opts ...FlashOption) *Flash {
	f := &Flash{
		bus:    bus,
		mem:    NewMemory(bus, layout),
		layout: layout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// flagResults lists the status flags in inspection order. When several
// are raised together the last one found is reported.
var flagResults = []struct {
	flag   uint32
	result Result
}{
	{stm32.SROPERR, ResultOperationError},
	{stm32.SRRDERR, ResultReadProtectionError},
	{stm32.SRPGSERR, ResultSequenceError},
	{stm32.SRPGPERR, ResultParallelismError},
	{stm32.SRPGAERR, ResultAlignmentError},
	{stm32.SRWRPERR, ResultWriteProtectionError},
}

// LastResult returns the result of the most recent operation.
func (f *Flash) LastResult() Result {
	return f.last
}

// Memory returns the checked memory view the engine programs through.
func (f *Flash) Memory() *Memory {
	return f.mem
}

// Init selects x32 programming parallelism and leaves the controller locked.
func (f *Flash) Init() error {
	if err := f.Unlock(); err != nil {
		return err
	}
	f.modify(stm32.FlashCR, stm32.CRPSIZE, stm32.CRPSIZEx32)
	return f.Lock()
}

// Unlock writes the key sequence that removes the program lock.
func (f *Flash) Unlock() error {
	if f.bus.Read32(stm32.FlashCR)&stm32.CRLOCK == 0 {
		f.last = ResultOK
		return nil
	}
	f.bus.Write32(stm32.FlashKEYR, stm32.FlashKey1)
	f.bus.Write32(stm32.FlashKEYR, stm32.FlashKey2)

	if f.bus.Read32(stm32.FlashCR)&stm32.CRLOCK != 0 {
		return f.fail(ResultOperationError, "flash unlock: still locked")
	}
	f.last = ResultOK
	return nil
}

// Lock sets the program lock and waits until it reads back as set.
func (f *Flash) Lock() error {
	f.modify(stm32.FlashCR, 0, stm32.CRLOCK)
	err := waitUntil(f.pollLimit, func() bool {
		return f.bus.Read32(stm32.FlashCR)&stm32.CRLOCK != 0
	})
	if err != nil {
		return f.fail(ResultOperationError, "flash lock: %v", err)
	}
	f.last = ResultOK
	return nil
}

// WriteWord programs one word at addr.
func (f *Flash) WriteWord(addr, data uint32) error {
	if !f.mem.Programmable(addr) {
		f.last = ResultOperationError
		return &AddressError{Op: "program", Address: addr}
	}
	if err := f.waitIdle(); err != nil {
		return f.fail(ResultOperationError, "program %#08x: %v", addr, err)
	}
	f.modify(stm32.FlashCR, stm32.CRPSIZE, stm32.CRPSIZEx32|stm32.CRPG)
	f.mem.program(addr, data)
	err := f.waitIdle()
	f.modify(stm32.FlashCR, stm32.CRPG, 0)
	if err != nil {
		return f.fail(ResultOperationError, "program %#08x: %v", addr, err)
	}
	return f.check("program %#08x", addr)
}

// ReadWord reads the word at addr. The status flags are classified after
// the read as after any other operation, so a flag left over from an
// earlier operation is reported here.
func (f *Flash) ReadWord(addr uint32) (uint32, error) {
	v, err := f.mem.Word(addr)
	if err != nil {
		f.last = ResultOperationError
		return 0, err
	}
	return v, f.check("read %#08x", addr)
}

// EraseSector erases one sector.
func (f *Flash) EraseSector(sector int) error {
	if sector < 0 || sector >= len(f.layout.Sectors) {
		return f.fail(ResultOperationError, "erase sector %d: no such sector", sector)
	}
	if err := f.waitIdle(); err != nil {
		return f.fail(ResultOperationError, "erase sector %d: %v", sector, err)
	}
	f.modify(stm32.FlashCR, stm32.CRSNB|stm32.CRMER|stm32.CRMER1|stm32.CRPG,
		stm32.CRSER|snb(sector)<<stm32.CRSNBPos)
	f.modify(stm32.FlashCR, 0, stm32.CRSTRT)
	err := f.waitIdle()
	f.modify(stm32.FlashCR, stm32.CRSER|stm32.CRSNB, 0)
	if err != nil {
		return f.fail(ResultOperationError, "erase sector %d: %v", sector, err)
	}
	return f.check("erase sector %d", sector)
}

// EraseMass erases every sector.
func (f *Flash) EraseMass() error {
	if err := f.waitIdle(); err != nil {
		return f.fail(ResultOperationError, "mass erase: %v", err)
	}
	mer := uint32(stm32.CRMER)
	if f.layout.DualBank() {
		mer |= stm32.CRMER1
	}
	f.modify(stm32.FlashCR, stm32.CRSER|stm32.CRSNB|stm32.CRPG, mer)
	f.modify(stm32.FlashCR, 0, stm32.CRSTRT)
	err := f.waitIdle()
	f.modify(stm32.FlashCR, mer, 0)
	if err != nil {
		return f.fail(ResultOperationError, "mass erase: %v", err)
	}
	return f.check("mass erase")
}

// SetWriteProtection enables or disables write protection of a sector and
// commits the option bytes. The option bytes must be unlocked.
func (f *Flash) SetWriteProtection(sector int, enabled bool) error {
	if sector < 0 || sector >= len(f.layout.Sectors) {
		return f.fail(ResultOperationError, "write protect sector %d: no such sector", sector)
	}
	reg, bit := wrpBit(sector)
	if err := f.waitIdle(); err != nil {
		return f.fail(ResultOperationError, "write protect sector %d: %v", sector, err)
	}
	if enabled {
		// nWRP is active low.
		f.modify(reg, bit, 0)
	} else {
		f.modify(reg, 0, bit)
	}
	f.modify(stm32.FlashOPTCR, 0, stm32.OPTCRStart)
	if err := f.waitIdle(); err != nil {
		return f.fail(ResultOperationError, "write protect sector %d: %v", sector, err)
	}
	if err := f.check("write protect sector %d", sector); err != nil {
		return err
	}
	if protected := f.bus.Read32(reg)&bit == 0; protected != enabled {
		return f.fail(ResultOperationError, "write protect sector %d: option bytes not committed", sector)
	}
	return nil
}

// WriteProtected reports whether the option bytes protect sector.
func (f *Flash) WriteProtected(sector int) bool {
	reg, bit := wrpBit(sector)
	return f.bus.Read32(reg)&bit == 0
}

// OptionBytesUnlock writes the key sequence that unlocks the option
// control register.
func (f *Flash) OptionBytesUnlock() error {
	if f.bus.Read32(stm32.FlashOPTCR)&stm32.OPTCRLock != 0 {
		f.bus.Write32(stm32.FlashOPTKEYR, stm32.OptKey1)
		f.bus.Write32(stm32.FlashOPTKEYR, stm32.OptKey2)
	}
	if err := f.check("option bytes unlock"); err != nil {
		return err
	}
	if f.bus.Read32(stm32.FlashOPTCR)&stm32.OPTCRLock != 0 {
		return f.fail(ResultOperationError, "option bytes unlock: still locked")
	}
	return nil
}

// OptionBytesLock locks the option control register.
func (f *Flash) OptionBytesLock() error {
	f.modify(stm32.FlashOPTCR, 0, stm32.OPTCRLock)
	return f.check("option bytes lock")
}

// OptionBytes returns the raw option control register.
func (f *Flash) OptionBytes() uint32 {
	return f.bus.Read32(stm32.FlashOPTCR)
}

func (f *Flash) waitIdle() error {
	return waitUntil(f.pollLimit, func() bool {
		return f.bus.Read32(stm32.FlashSR)&stm32.SRBSY == 0
	})
}

func (f *Flash) modify(reg, clear, set uint32) {
	f.bus.Write32(reg, f.bus.Read32(reg)&^clear|set)
}

// classify inspects and clears the status flags of the last operation.
func (f *Flash) classify() Result {
	sr := f.bus.Read32(stm32.FlashSR)
	r := ResultOK
	for _, fr := range flagResults {
		if sr&fr.flag == 0 {
			continue
		}
		pkgLog.Debugf("flash status flag raised: %v", fr.result)
		r = fr.result
		f.bus.Write32(stm32.FlashSR, fr.flag)
	}
	if sr&stm32.SREOP != 0 {
		f.bus.Write32(stm32.FlashSR, stm32.SREOP)
	}
	return r
}

func (f *Flash) check(format string, args ...interface{}) error {
	f.last = f.classify()
	if f.last == ResultOK {
		return nil
	}
	return errors.Wrapf(f.last, format, args...)
}

func (f *Flash) fail(r Result, format string, args ...interface{}) error {
	f.last = r
	return errors.Wrapf(r, format, args...)
}

// snb encodes a sector index for the SNB field. Second bank sectors start
// at 16.
func snb(sector int) uint32 {
	if sector >= stm32.SectorsPerBank {
		return uint32(sector + 4)
	}
	return uint32(sector)
}

func wrpBit(sector int) (reg, bit uint32) {
	reg = stm32.FlashOPTCR
	if sector >= stm32.SectorsPerBank {
		reg = stm32.FlashOPTCR1
		sector -= stm32.SectorsPerBank
	}
	return reg, 1 << (stm32.OPTCRnWRPPos + uint(sector))
}
