package stm32boot

import (
	"fmt"
	"io"
	"sort"

	"github.com/amrbekhit/stm32boot/stm32"
	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// stm32Programmer is a programmer for STM32F4 devices running this
// bootloader.
type stm32Programmer struct {
	bootloader Bootloader
	memory     *gohex.Memory
	layout     stm32.Layout
	options    Options
	info       Identity
	progress   ProgressFunc

	flash []gohex.DataSegment
}

// Options holds programming options.
type Options struct {
	// If true, the sectors touched by the image are not erased before
	// programming.
	NoErase bool
	// If true, flash is left unlocked after programming.
	NoLock bool
}

// NewProgrammer creates a new programmer for the device described by layout.
func NewProgrammer(bootloader Bootloader, layout stm32.Layout, options Options) Programmer {
	prog := new(stm32Programmer)

	prog.bootloader = bootloader
	prog.layout = layout
	prog.options = options
	prog.progress = func(string, int, int) {}

	return prog
}

// LoadHex loads and parses the specified hex data. Every segment must lie
// inside flash. Segments are widened to whole blocks, the padding filled
// with the erased value, and merged where the widening makes them touch.
func (p *stm32Programmer) LoadHex(data io.Reader) error {
	var err error
	p.memory, err = loadHex(data)
	if err != nil {
		return err
	}

	segments := p.memory.GetDataSegments()
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Address < segments[j].Address
	})

	type span struct{ start, end uint32 }
	var spans []span
	for _, segment := range segments {
		if !p.layout.InFlash(segment.Address, uint32(len(segment.Data))) {
			return fmt.Errorf("invalid data segment at address %X", segment.Address)
		}
		s := span{
			start: segment.Address &^ (BlockSize - 1),
			end:   (segment.Address + uint32(len(segment.Data)) + BlockSize - 1) &^ (BlockSize - 1),
		}
		if n := len(spans); n > 0 && s.start <= spans[n-1].end {
			if s.end > spans[n-1].end {
				spans[n-1].end = s.end
			}
			continue
		}
		spans = append(spans, s)
	}

	p.flash = p.flash[:0]
	for _, s := range spans {
		p.flash = append(p.flash, gohex.DataSegment{
			Address: s.start,
			Data:    p.memory.ToBinary(s.start, s.end-s.start, 0xFF),
		})
		pkgLog.Debugf("loaded flash segment at %X length %v", s.start, s.end-s.start)
	}
	if len(p.flash) == 0 {
		return errors.New("hex file contains no data")
	}
	return nil
}

// Connect establishes a connection with the device and gets the bootloader
// identity.
func (p *stm32Programmer) Connect() error {
	var err error
	if err = p.bootloader.Connect(); err != nil {
		return errors.Wrap(err, "failed to open bootloader")
	}
	// Get the device info
	p.info, err = p.bootloader.GetInfo()
	if err != nil {
		return errors.Wrap(err, "failed to get device info")
	}
	return nil
}

// Disconnect closes the connection with the device.
func (p *stm32Programmer) Disconnect() {
	p.bootloader.Disconnect()
}

// GetInfo returns the bootloader identity read by Connect.
func (p *stm32Programmer) GetInfo() Identity {
	return p.info
}

// SetProgressCallback registers f to be told about programming progress.
func (p *stm32Programmer) SetProgressCallback(f ProgressFunc) {
	if f == nil {
		f = func(string, int, int) {}
	}
	p.progress = f
}

// sectorRuns returns the sectors touched by the loaded image as runs of
// consecutive sectors.
func (p *stm32Programmer) sectorRuns() [][2]int {
	touched := make([]bool, len(p.layout.Sectors))
	for _, segment := range p.flash {
		first, _ := p.layout.SectorAt(segment.Address)
		last, _ := p.layout.SectorAt(segment.Address + uint32(len(segment.Data)) - 1)
		for s := first; s <= last; s++ {
			touched[s] = true
		}
	}

	var runs [][2]int
	for s := 0; s < len(touched); s++ {
		if !touched[s] {
			continue
		}
		start := s
		for s+1 < len(touched) && touched[s+1] {
			s++
		}
		runs = append(runs, [2]int{start, s - start + 1})
	}
	return runs
}

// Program erases and writes the program data previously loaded with LoadHex.
func (p *stm32Programmer) Program() error {
	if len(p.flash) == 0 {
		return errors.New("no hex file loaded")
	}
	if err := p.bootloader.FlashUnlock(); err != nil {
		return err
	}

	// Erase flash
	if !p.options.NoErase {
		runs := p.sectorRuns()
		for i, run := range runs {
			pkgLog.Debugf("erasing %d sectors from %d", run[1], run[0])
			if err := p.bootloader.FlashErase(uint8(run[0]), uint8(run[1])); err != nil {
				return errors.Wrapf(err, "failed to erase sector %d", run[0])
			}
			p.progress("erase", i+1, len(runs))
		}
	}

	// Program flash
	total := segmentsSize(p.flash)
	report := func(done int) { p.progress("write", done, total) }
	if err := writeSegments(p.flash, BlockSize, p.bootloader.FlashProgram, report); err != nil {
		return errors.Wrap(err, "failed to write flash")
	}

	if !p.options.NoLock {
		if err := p.bootloader.FlashLock(); err != nil {
			return err
		}
	}
	return nil
}

// Verify reads back the program memory and compares it to the data in the hex file.
func (p *stm32Programmer) Verify() error {
	total := segmentsSize(p.flash)
	report := func(done int) { p.progress("verify", done, total) }
	if err := verifySegments(p.flash, BlockSize, p.bootloader.FlashRead, report); err != nil {
		return errors.Wrap(err, "failed to verify flash")
	}
	return nil
}

// Run starts the image at address. An address of 0 starts the first loaded
// segment, or the start of flash if nothing is loaded.
func (p *stm32Programmer) Run(address uint32) error {
	if address == 0 {
		address = p.layout.FlashBase
		if len(p.flash) > 0 {
			address = p.flash[0].Address
		}
	}
	pkgLog.Infof("starting image at %#08x", address)
	return p.bootloader.TransferControl(address)
}
