package stm32boot

import (
	"github.com/amrbekhit/stm32boot/stm32"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidStackPointer is returned when the first word of an image
	// does not point into RAM.
	ErrInvalidStackPointer = errors.New("image has no valid stack pointer")

	// ErrHandoffReturned is returned if the processor core comes back from
	// a jump into an image.
	ErrHandoffReturned = errors.New("image returned to the bootloader")
)

// Handoff passes control of the processor to an application image.
type Handoff struct {
	bus       Bus
	core      Core
	mem       *Memory
	layout    stm32.Layout
	pollLimit int
}

// NewHandoff returns a Handoff for the device behind bus and core. Clock
// waits are bounded by pollLimit status reads; zero waits forever.
func NewHandoff(bus Bus, core Core, layout stm32.Layout, pollLimit int) *Handoff {
	return &Handoff{
		bus:       bus,
		core:      core,
		mem:       NewMemory(bus, layout),
		layout:    layout,
		pollLimit: pollLimit,
	}
}

// TransferControl starts the image at image: the first word of the image
// is its initial stack pointer and the second its entry point.
//
// When the stack pointer is valid the peripherals and clocks the
// bootloader set up are put back to their reset state, address zero and
// the vector table are mapped to the image, and the core jumps to the
// entry point. That path does not return. Any returned error means
// control stayed with the bootloader.
func (h *Handoff) TransferControl(image uint32) error {
	sp, err := h.mem.Word(image)
	if err != nil {
		return err
	}
	if !h.layout.ValidStackPointer(sp) {
		return errors.Wrapf(ErrInvalidStackPointer, "image %#08x: stack pointer %#08x", image, sp)
	}
	entry, err := h.mem.Word(image + 4)
	if err != nil {
		return err
	}

	if err := h.resetSystem(); err != nil {
		return err
	}

	h.modify(stm32.RCCAPB2ENR, 0, stm32.RCCAPB2ENRSYSCFG)
	if image == h.layout.SystemBase {
		h.modify(stm32.SYSCFGMEMRMP, stm32.MemModeMask, stm32.MemModeSystem)
	} else {
		h.modify(stm32.SYSCFGMEMRMP, stm32.MemModeMask, stm32.MemModeFlash)
		h.core.DataMemoryBarrier()
		h.bus.Write32(stm32.SCBVTOR, image)
		h.core.DataSyncBarrier()
	}

	pkgLog.Infof("transferring control to %#08x (sp %#08x, entry %#08x)", image, sp, entry)
	h.core.SetMSP(sp)
	h.core.Jump(entry)
	return ErrHandoffReturned
}

// resetSystem returns interrupts, the peripherals used by the bootloader
// and the clock tree to their power-on state.
func (h *Handoff) resetSystem() error {
	h.core.DisableInterrupts()

	h.bus.Write32(stm32.RCCAHB1RSTR, stm32.RCCAHB1RSTRGPIOA|stm32.RCCAHB1RSTRDMA2)
	h.bus.Write32(stm32.RCCAHB1RSTR, 0)
	h.bus.Write32(stm32.RCCAPB2RSTR, stm32.RCCAPB2RSTRUSART1)
	h.bus.Write32(stm32.RCCAPB2RSTR, 0)

	h.modify(stm32.RCCCR, 0, stm32.RCCCRHSION)
	if err := h.wait(stm32.RCCCR, stm32.RCCCRHSIRDY, stm32.RCCCRHSIRDY); err != nil {
		return errors.Wrap(err, "handoff: HSI not ready")
	}
	h.modify(stm32.RCCCR, 0, stm32.RCCCRHSITRIM4)

	h.bus.Write32(stm32.RCCCFGR, 0)
	if err := h.wait(stm32.RCCCFGR, stm32.RCCCFGRSWS, 0); err != nil {
		return errors.Wrap(err, "handoff: HSI not selected as system clock")
	}

	h.modify(stm32.RCCCR, stm32.RCCCRHSEON|stm32.RCCCRHSEBYP|stm32.RCCCRCSSON, 0)
	if err := h.wait(stm32.RCCCR, stm32.RCCCRHSERDY, 0); err != nil {
		return errors.Wrap(err, "handoff: HSE still running")
	}

	h.modify(stm32.RCCCR, stm32.RCCCRPLLON, 0)
	if err := h.wait(stm32.RCCCR, stm32.RCCCRPLLRDY, 0); err != nil {
		return errors.Wrap(err, "handoff: PLL still running")
	}
	h.bus.Write32(stm32.RCCPLLCFGR, stm32.RCCPLLCFGRReset)

	h.bus.Write32(stm32.SysTickCTRL, 0)
	h.bus.Write32(stm32.SysTickLOAD, 0)
	h.bus.Write32(stm32.SysTickVAL, 0)
	return nil
}

func (h *Handoff) modify(reg, clear, set uint32) {
	h.bus.Write32(reg, h.bus.Read32(reg)&^clear|set)
}

func (h *Handoff) wait(reg, mask, want uint32) error {
	return waitUntil(h.pollLimit, func() bool {
		return h.bus.Read32(reg)&mask == want
	})
}
