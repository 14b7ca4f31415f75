// Package sim simulates the parts of an STM32F4 microcontroller that the
// bootloader touches: the flash array and its controller, RAM, system
// memory, reset and clock control, the memory remap register, the vector
// table offset register and the processor core.
//
// A Device implements the register bus and processor core interfaces of
// the stm32boot package, so the bootloader can run unmodified against it.
package sim

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	"github.com/amrbekhit/stm32boot/stm32"
)

// Jump records a control transfer performed by the simulated core.
type Jump struct {
	SP      uint32
	Entry   uint32
	VTOR    uint32
	MemMode uint32
}

// Event is one entry of the device trace. Register writes carry the
// register address; core operations carry a name instead.
type Event struct {
	Name  string
	Addr  uint32
	Value uint32
}

// Device is a simulated STM32F4.
type Device struct {
	mu     sync.Mutex
	layout stm32.Layout

	flash  []byte
	ram    []byte
	system []byte
	regs   map[uint32]uint32

	keyStage    int
	optKeyStage int
	keyFault    bool

	// nWRP fields that are in effect, loaded by an option byte commit.
	wrp  uint32
	wrp1 uint32

	busyPolls    int
	busyLeft     int
	inject       uint32
	failPrograms int
	failFlags    uint32
	programs     int

	irq   bool
	msp   uint32
	trace []Event
	jumps chan Jump
}

// New returns a device with erased flash, factory option bytes and clocks
// configured the way a running bootloader leaves them.
func New(layout stm32.Layout) *Device {
	d := &Device{
		layout: layout,
		flash:  make([]byte, layout.FlashSize()),
		ram:    make([]byte, layout.RAMSize),
		system: make([]byte, layout.SystemSize),
		wrp:    stm32.OPTCRReset & stm32.OPTCRnWRP,
		wrp1:   stm32.OPTCR1Reset & stm32.OPTCRnWRP,
		jumps:  make(chan Jump, 1),
	}
	for i := range d.flash {
		d.flash[i] = 0xFF
	}
	if len(d.system) >= 8 {
		// ROM loader vector table.
		binary.LittleEndian.PutUint32(d.system[0:], layout.RAMBase+0x3000)
		binary.LittleEndian.PutUint32(d.system[4:], layout.SystemBase+0x201)
	}
	d.reset()
	return d
}

// Reset simulates a system reset. Flash contents and committed option
// bytes survive; registers, locks and the core state do not.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

func (d *Device) reset() {
	d.regs = map[uint32]uint32{
		stm32.FlashCR:     stm32.CRLOCK,
		stm32.FlashOPTCR:  stm32.OPTCRReset&^stm32.OPTCRnWRP | d.wrp,
		stm32.FlashOPTCR1: stm32.OPTCR1Reset&^stm32.OPTCRnWRP | d.wrp1,

		stm32.RCCCR: stm32.RCCCRHSION | stm32.RCCCRHSIRDY |
			stm32.RCCCRHSEON | stm32.RCCCRHSERDY |
			stm32.RCCCRPLLON | stm32.RCCCRPLLRDY,
		stm32.RCCCFGR:    2<<stm32.RCCCFGRSWPos | 2<<stm32.RCCCFGRSWSPos,
		stm32.RCCPLLCFGR: 0x07405408,
		stm32.RCCAPB2ENR: 1 << 4,

		stm32.SCBVTOR:     d.layout.FlashBase,
		stm32.SysTickCTRL: 0x7,
		stm32.SysTickLOAD: 167999,
	}
	d.keyStage = 0
	d.optKeyStage = 0
	d.keyFault = false
	d.busyLeft = 0
	d.irq = true
	d.msp = 0
	d.trace = nil
}

// Layout returns the memory map the device was built with.
func (d *Device) Layout() stm32.Layout {
	return d.layout
}

// Read32 implements the register bus.
func (d *Device) Read32(addr uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, off, ok := d.memory(addr); ok {
		return binary.LittleEndian.Uint32(b[off:])
	}
	if addr == stm32.FlashSR {
		v := d.regs[addr]
		if d.busyLeft != 0 {
			if d.busyLeft > 0 {
				d.busyLeft--
			}
			v |= stm32.SRBSY
		}
		return v
	}
	return d.regs[addr]
}

// Write32 implements the register bus.
func (d *Device) Write32(addr, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.layout.InFlash(addr, 1):
		d.program(addr, v)
		return
	case d.layout.InRAM(addr, 4):
		binary.LittleEndian.PutUint32(d.ram[addr-d.layout.RAMBase:], v)
		return
	case d.layout.InSystem(addr, 1):
		// read-only
		return
	}

	switch addr {
	case stm32.FlashKEYR:
		d.writeKey(v)
	case stm32.FlashOPTKEYR:
		d.writeOptKey(v)
	case stm32.FlashSR:
		d.regs[addr] &^= v & (stm32.SRErrors | stm32.SREOP)
	case stm32.FlashCR:
		d.writeCR(v)
	case stm32.FlashOPTCR:
		d.writeOPTCR(v)
	case stm32.FlashOPTCR1:
		if d.regs[stm32.FlashOPTCR]&stm32.OPTCRLock == 0 {
			d.regs[addr] = v
		}
	case stm32.RCCCR:
		d.record(addr, v)
		v &^= stm32.RCCCRHSIRDY | stm32.RCCCRHSERDY | stm32.RCCCRPLLRDY
		if v&stm32.RCCCRHSION != 0 {
			v |= stm32.RCCCRHSIRDY
		}
		if v&stm32.RCCCRHSEON != 0 {
			v |= stm32.RCCCRHSERDY
		}
		if v&stm32.RCCCRPLLON != 0 {
			v |= stm32.RCCCRPLLRDY
		}
		d.regs[addr] = v
	case stm32.RCCCFGR:
		d.record(addr, v)
		sw := (v & stm32.RCCCFGRSW) >> stm32.RCCCFGRSWPos
		d.regs[addr] = v&^stm32.RCCCFGRSWS | sw<<stm32.RCCCFGRSWSPos
	default:
		d.record(addr, v)
		d.regs[addr] = v
	}
}

// memory returns the backing slice and offset for a word access.
func (d *Device) memory(addr uint32) ([]byte, uint32, bool) {
	l := d.layout
	switch {
	case l.InFlash(addr, 4):
		return d.flash, addr - l.FlashBase, true
	case l.InRAM(addr, 4):
		return d.ram, addr - l.RAMBase, true
	case l.InSystem(addr, 4):
		return d.system, addr - l.SystemBase, true
	}
	return nil, 0, false
}

func (d *Device) record(addr, v uint32) {
	d.trace = append(d.trace, Event{Addr: addr, Value: v})
}

func (d *Device) locked() bool {
	return d.regs[stm32.FlashCR]&stm32.CRLOCK != 0
}

func (d *Device) writeKey(v uint32) {
	if d.keyFault || !d.locked() {
		// A wrong sequence, or a key write while unlocked, keeps the
		// controller locked until the next reset.
		d.keyFault = true
		d.regs[stm32.FlashCR] |= stm32.CRLOCK
		return
	}
	switch {
	case d.keyStage == 0 && v == stm32.FlashKey1:
		d.keyStage = 1
	case d.keyStage == 1 && v == stm32.FlashKey2:
		d.keyStage = 0
		d.regs[stm32.FlashCR] &^= stm32.CRLOCK
	default:
		d.keyStage = 0
		d.keyFault = true
	}
}

func (d *Device) writeOptKey(v uint32) {
	if d.regs[stm32.FlashOPTCR]&stm32.OPTCRLock == 0 {
		return
	}
	switch {
	case d.optKeyStage == 0 && v == stm32.OptKey1:
		d.optKeyStage = 1
	case d.optKeyStage == 1 && v == stm32.OptKey2:
		d.optKeyStage = 0
		d.regs[stm32.FlashOPTCR] &^= stm32.OPTCRLock
	default:
		d.optKeyStage = 0
	}
}

func (d *Device) writeCR(v uint32) {
	if d.locked() {
		if v&(stm32.CRPG|stm32.CRSER|stm32.CRMER|stm32.CRMER1|stm32.CRSTRT) != 0 {
			d.regs[stm32.FlashSR] |= stm32.SRPGSERR
		}
		return
	}
	start := v&stm32.CRSTRT != 0
	d.regs[stm32.FlashCR] = v &^ stm32.CRSTRT
	if v&stm32.CRLOCK != 0 {
		d.keyStage = 0
		return
	}
	if start {
		d.erase(v)
	}
}

func (d *Device) erase(cr uint32) {
	d.busyLeft = d.busyPolls
	mass := cr&(stm32.CRMER|stm32.CRMER1) != 0
	if cr&stm32.CRSER != 0 && mass {
		d.finish(stm32.SRPGSERR)
		return
	}
	if cr&stm32.CRSER != 0 {
		snb := int((cr & stm32.CRSNB) >> stm32.CRSNBPos)
		sector := snb
		if snb >= 16 {
			sector = snb - 4
		} else if snb >= stm32.SectorsPerBank {
			sector = -1
		}
		if sector < 0 || sector >= len(d.layout.Sectors) {
			d.finish(stm32.SROPERR)
			return
		}
		if d.protected(sector) {
			d.finish(stm32.SRWRPERR)
			return
		}
		d.eraseSector(sector)
		d.finish(0)
		return
	}
	if !mass {
		d.finish(stm32.SRPGSERR)
		return
	}

	var sectors []int
	for i := range d.layout.Sectors {
		bank2 := i >= stm32.SectorsPerBank
		if (!bank2 && cr&stm32.CRMER != 0) || (bank2 && cr&stm32.CRMER1 != 0) {
			sectors = append(sectors, i)
		}
	}
	for _, s := range sectors {
		if d.protected(s) {
			d.finish(stm32.SRWRPERR)
			return
		}
	}
	for _, s := range sectors {
		d.eraseSector(s)
	}
	d.finish(0)
}

func (d *Device) eraseSector(i int) {
	start := d.layout.SectorStart(i) - d.layout.FlashBase
	b := d.flash[start : start+d.layout.Sectors[i]]
	for j := range b {
		b[j] = 0xFF
	}
}

func (d *Device) program(addr, v uint32) {
	d.busyLeft = d.busyPolls
	if d.locked() || d.regs[stm32.FlashCR]&stm32.CRPG == 0 {
		d.finish(stm32.SRPGSERR)
		return
	}
	d.programs++
	if d.failPrograms != 0 {
		if d.failPrograms > 0 {
			d.failPrograms--
		}
		d.finish(d.failFlags)
		return
	}
	if addr%4 != 0 {
		d.finish(stm32.SRPGAERR)
		return
	}
	if d.regs[stm32.FlashCR]&stm32.CRPSIZE != stm32.CRPSIZEx32 {
		d.finish(stm32.SRPGPERR)
		return
	}
	if s, _ := d.layout.SectorAt(addr); d.protected(s) {
		d.finish(stm32.SRWRPERR)
		return
	}
	off := addr - d.layout.FlashBase
	cur := binary.LittleEndian.Uint32(d.flash[off:])
	// Programming can only clear bits.
	binary.LittleEndian.PutUint32(d.flash[off:], cur&v)
	d.finish(0)
}

func (d *Device) writeOPTCR(v uint32) {
	cur := d.regs[stm32.FlashOPTCR]
	if cur&stm32.OPTCRLock != 0 {
		return
	}
	d.regs[stm32.FlashOPTCR] = v &^ stm32.OPTCRStart
	if v&stm32.OPTCRStart != 0 {
		d.busyLeft = d.busyPolls
		d.wrp = v & stm32.OPTCRnWRP
		d.wrp1 = d.regs[stm32.FlashOPTCR1] & stm32.OPTCRnWRP
		d.finish(0)
	}
}

func (d *Device) protected(sector int) bool {
	wrp := d.wrp
	if sector >= stm32.SectorsPerBank {
		wrp = d.wrp1
		sector -= stm32.SectorsPerBank
	}
	return wrp&(1<<(stm32.OPTCRnWRPPos+uint(sector))) == 0
}

// finish completes a flash operation, raising flags plus any injected ones.
func (d *Device) finish(flags uint32) {
	flags |= d.inject
	d.inject = 0
	if flags == 0 {
		flags = stm32.SREOP
	}
	d.regs[stm32.FlashSR] |= flags
}

// SetBusyPolls makes the busy flag stay set for n status reads after each
// flash operation starts. A negative n leaves the controller stuck busy
// until SetBusyPolls is called again.
func (d *Device) SetBusyPolls(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busyPolls = n
	if n < 0 || d.busyLeft < 0 {
		d.busyLeft = n
	}
}

// InjectFlags raises the given status flags when the next flash operation
// completes.
func (d *Device) InjectFlags(flags uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inject |= flags
}

// FailPrograms makes the next n word programs fail with flags without
// touching the array. A negative n fails every program.
func (d *Device) FailPrograms(n int, flags uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failPrograms = n
	d.failFlags = flags
}

// Programs returns the number of word programs attempted while unlocked.
func (d *Device) Programs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.programs
}

// Protected reports whether the committed option bytes protect sector.
func (d *Device) Protected(sector int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.protected(sector)
}

// Load copies data straight into flash or RAM, bypassing the controller.
func (d *Device) Load(addr uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := uint32(len(data))
	switch {
	case d.layout.InFlash(addr, n):
		copy(d.flash[addr-d.layout.FlashBase:], data)
	case d.layout.InRAM(addr, n):
		copy(d.ram[addr-d.layout.RAMBase:], data)
	default:
		return fmt.Errorf("cannot load %d bytes at %#08x", n, addr)
	}
	return nil
}

// Bytes returns a copy of n bytes of memory starting at addr.
func (d *Device) Bytes(addr, n uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, n)
	l := d.layout
	switch {
	case l.InFlash(addr, n):
		copy(out, d.flash[addr-l.FlashBase:])
	case l.InRAM(addr, n):
		copy(out, d.ram[addr-l.RAMBase:])
	case l.InSystem(addr, n):
		copy(out, d.system[addr-l.SystemBase:])
	}
	return out
}

// Trace returns the register writes and core operations recorded since
// the last reset, excluding flash controller traffic.
func (d *Device) Trace() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.trace...)
}

// DisableInterrupts implements the processor core.
func (d *Device) DisableInterrupts() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.irq = false
	d.trace = append(d.trace, Event{Name: "cpsid"})
}

// InterruptsEnabled reports the core's interrupt mask state.
func (d *Device) InterruptsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.irq
}

// DataMemoryBarrier implements the processor core.
func (d *Device) DataMemoryBarrier() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trace = append(d.trace, Event{Name: "dmb"})
}

// DataSyncBarrier implements the processor core.
func (d *Device) DataSyncBarrier() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trace = append(d.trace, Event{Name: "dsb"})
}

// SetMSP implements the processor core.
func (d *Device) SetMSP(sp uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msp = sp
	d.trace = append(d.trace, Event{Name: "msp", Value: sp})
}

// Jump implements the processor core. The simulated application never
// hands control back, so Jump ends the calling goroutine after publishing
// the jump on Jumped.
func (d *Device) Jump(entry uint32) {
	d.mu.Lock()
	j := Jump{
		SP:      d.msp,
		Entry:   entry,
		VTOR:    d.regs[stm32.SCBVTOR],
		MemMode: d.regs[stm32.SYSCFGMEMRMP] & stm32.MemModeMask,
	}
	d.trace = append(d.trace, Event{Name: "jump", Value: entry})
	d.mu.Unlock()

	select {
	case d.jumps <- j:
	default:
	}
	runtime.Goexit()
}

// Jumped delivers the jump performed by the core.
func (d *Device) Jumped() <-chan Jump {
	return d.jumps
}
