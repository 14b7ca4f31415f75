package stm32boot

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/amrbekhit/stm32boot/sim"
	"github.com/amrbekhit/stm32boot/stm32"
	"github.com/pkg/errors"
)

func vectors(sp, entry uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b, sp)
	binary.LittleEndian.PutUint32(b[4:], entry)
	return b
}

// runHandoff calls TransferControl on its own goroutine, since a successful
// handoff never returns. It reports either the jump or the returned error.
func runHandoff(t *testing.T, dev *sim.Device, h *Handoff, image uint32) (*sim.Jump, error) {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		errc <- h.TransferControl(image)
	}()

	select {
	case j := <-dev.Jumped():
		return &j, nil
	case err := <-errc:
		return nil, err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handoff")
	}
	return nil, nil
}

func TestTransferControl(t *testing.T) {
	var tests = []struct {
		desc    string
		image   uint32
		load    bool
		sp      uint32
		entry   uint32
		vtor    uint32
		memMode uint32
	}{
		{
			desc:    "flash image",
			image:   0x08004000,
			load:    true,
			sp:      0x20001000,
			entry:   0x08004101,
			vtor:    0x08004000,
			memMode: stm32.MemModeFlash,
		},
		{
			desc:    "ram image",
			image:   0x20008000,
			load:    true,
			sp:      0x20010000,
			entry:   0x20008101,
			vtor:    0x20008000,
			memMode: stm32.MemModeFlash,
		},
		{
			desc:    "system memory",
			image:   0x1FFF0000,
			sp:      0x20003000,
			entry:   0x1FFF0201,
			vtor:    0x08000000,
			memMode: stm32.MemModeSystem,
		},
	}

	for i, tt := range tests {
		dev := sim.New(stm32.F429())
		if tt.load {
			dev.Load(tt.image, vectors(tt.sp, tt.entry))
		}
		h := NewHandoff(dev, dev, dev.Layout(), 100)

		j, err := runHandoff(t, dev, h, tt.image)
		if err != nil {
			t.Fatalf("[%02d] test %q, unexpected error: %v", i, tt.desc, err)
		}
		want := sim.Jump{SP: tt.sp, Entry: tt.entry, VTOR: tt.vtor, MemMode: tt.memMode}
		if *j != want {
			t.Fatalf("[%02d] test %q, unexpected jump:\n- want: %+v\n-  got: %+v",
				i, tt.desc, want, *j)
		}
		if dev.InterruptsEnabled() {
			t.Fatalf("[%02d] test %q, interrupts left enabled", i, tt.desc)
		}
	}
}

func TestTransferControlRejects(t *testing.T) {
	var tests = []struct {
		desc  string
		image uint32
		sp    uint32
		err   error
	}{
		{
			desc:  "erased flash",
			image: 0x08004000,
			sp:    0xFFFFFFFF,
			err:   ErrInvalidStackPointer,
		},
		{
			desc:  "zero stack pointer",
			image: 0x08004000,
			sp:    0x00000000,
			err:   ErrInvalidStackPointer,
		},
		{
			desc:  "stack pointer in flash",
			image: 0x08004000,
			sp:    0x08010000,
			err:   ErrInvalidStackPointer,
		},
		{
			desc:  "address zero",
			image: 0x00000000,
		},
		{
			desc:  "unaligned image",
			image: 0x08004002,
		},
	}

	for i, tt := range tests {
		dev := sim.New(stm32.F429())
		if tt.sp != 0xFFFFFFFF && tt.image%4 == 0 && tt.image != 0 {
			dev.Load(tt.image, vectors(tt.sp, 0x08004101))
		}
		h := NewHandoff(dev, dev, dev.Layout(), 100)

		j, err := runHandoff(t, dev, h, tt.image)
		if j != nil {
			t.Fatalf("[%02d] test %q, unexpected jump to %#08x", i, tt.desc, j.Entry)
		}
		if tt.err != nil {
			if want, got := tt.err, errors.Cause(err); want != got {
				t.Fatalf("[%02d] test %q, unexpected error: %v != %v", i, tt.desc, want, got)
			}
		} else {
			var addrErr *AddressError
			if !errors.As(err, &addrErr) {
				t.Fatalf("[%02d] test %q, expected address error, got %v", i, tt.desc, err)
			}
		}
		if len(dev.Trace()) != 0 || !dev.InterruptsEnabled() {
			t.Fatalf("[%02d] test %q, device touched: %+v", i, tt.desc, dev.Trace())
		}
	}
}

func traceKey(e sim.Event) string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("%#08x", e.Addr)
}

func TestTransferControlSequence(t *testing.T) {
	dev := sim.New(stm32.F429())
	dev.Load(0x08004000, vectors(0x20001000, 0x08004101))
	h := NewHandoff(dev, dev, dev.Layout(), 0)

	if _, err := runHandoff(t, dev, h, 0x08004000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reg := func(addr uint32) string { return fmt.Sprintf("%#08x", addr) }
	want := []string{
		"cpsid",
		reg(stm32.RCCAHB1RSTR), reg(stm32.RCCAHB1RSTR),
		reg(stm32.RCCAPB2RSTR), reg(stm32.RCCAPB2RSTR),
		reg(stm32.RCCCR), reg(stm32.RCCCR),
		reg(stm32.RCCCFGR),
		reg(stm32.RCCCR),
		reg(stm32.RCCCR),
		reg(stm32.RCCPLLCFGR),
		reg(stm32.SysTickCTRL), reg(stm32.SysTickLOAD), reg(stm32.SysTickVAL),
		reg(stm32.RCCAPB2ENR),
		reg(stm32.SYSCFGMEMRMP),
		"dmb", reg(stm32.SCBVTOR), "dsb",
		"msp", "jump",
	}
	trace := dev.Trace()
	got := make([]string, len(trace))
	for i, e := range trace {
		got[i] = traceKey(e)
	}
	if fmt.Sprint(want) != fmt.Sprint(got) {
		t.Fatalf("unexpected handoff sequence:\n- want: %v\n-  got: %v", want, got)
	}

	cr := dev.Read32(stm32.RCCCR)
	if cr&stm32.RCCCRHSION == 0 || cr&(stm32.RCCCRHSEON|stm32.RCCCRPLLON|stm32.RCCCRCSSON) != 0 {
		t.Fatalf("unexpected RCC_CR: %#08x", cr)
	}
	if want, got := uint32(stm32.RCCPLLCFGRReset), dev.Read32(stm32.RCCPLLCFGR); want != got {
		t.Fatalf("unexpected RCC_PLLCFGR: %#08x != %#08x", want, got)
	}
	for _, r := range []uint32{stm32.RCCCFGR, stm32.SysTickCTRL, stm32.SysTickLOAD, stm32.SysTickVAL} {
		if v := dev.Read32(r); v != 0 {
			t.Fatalf("register %#08x not reset: %#08x", r, v)
		}
	}
	if dev.Read32(stm32.RCCAPB2ENR)&stm32.RCCAPB2ENRSYSCFG == 0 {
		t.Fatal("SYSCFG clock not enabled")
	}
}

// stuckClock hides a ready flag so the clock never appears to settle.
type stuckClock struct {
	*sim.Device
	mask uint32
}

func (b stuckClock) Read32(addr uint32) uint32 {
	v := b.Device.Read32(addr)
	if addr == stm32.RCCCR {
		v &^= b.mask
	}
	return v
}

func TestTransferControlClockTimeout(t *testing.T) {
	dev := sim.New(stm32.F429())
	dev.Load(0x08004000, vectors(0x20001000, 0x08004101))
	h := NewHandoff(stuckClock{dev, stm32.RCCCRHSIRDY}, dev, dev.Layout(), 10)

	j, err := runHandoff(t, dev, h, 0x08004000)
	if j != nil {
		t.Fatal("unexpected jump")
	}
	if want, got := ErrTimeout, errors.Cause(err); want != got {
		t.Fatalf("unexpected error: %v != %v", want, got)
	}
}
