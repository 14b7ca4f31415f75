package main

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"strconv"

	"github.com/amrbekhit/stm32boot"
	"github.com/amrbekhit/stm32boot/stm32"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type hostCommand struct {
	usage string
	short string
	args  cobra.PositionalArgs
	run   func(stm32boot.Bootloader, []string) error
}

var commands = map[string]hostCommand{
	"info":      {"", "Show the bootloader identity", cobra.NoArgs, processGetInfo},
	"unlock":    {"", "Unlock flash for programming", cobra.NoArgs, processFlashUnlock},
	"lock":      {"", "Lock flash", cobra.NoArgs, processFlashLock},
	"read":      {"addr [len]", "Dump memory, e.g. read 0x08000000 64", cobra.RangeArgs(1, 2), processFlashRead},
	"write":     {"addr datafile", "Program a binary file into flash, e.g. write 0x08004000 app.bin", cobra.ExactArgs(2), processFlashProgram},
	"erase":     {"sector [count]", "Erase flash sectors", cobra.RangeArgs(1, 2), processFlashErase},
	"masserase": {"", "Erase all of flash", cobra.NoArgs, processFlashMassErase},
	"copy":      {"src dest size", "Copy an image between flash addresses", cobra.ExactArgs(3), processFlashCopy},
	"go":        {"addr", "Start the image at addr", cobra.ExactArgs(1), processTransferControl},
	"obunlock":  {"", "Unlock the option bytes", cobra.NoArgs, processOptionBytesUnlock},
	"oblock":    {"", "Lock the option bytes", cobra.NoArgs, processOptionBytesLock},
	"obread":    {"", "Show the option bytes", cobra.NoArgs, processOptionBytesRead},
	"protect":   {"sector", "Write protect a sector", cobra.ExactArgs(1), processWriteProtect},
	"unprotect": {"sector", "Remove write protection from a sector", cobra.ExactArgs(1), processWriteUnprotect},
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address: %v", err)
	}
	return uint32(v), nil
}

func parseSector(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid sector: %v", err)
	}
	return uint8(v), nil
}

func processGetInfo(bootloader stm32boot.Bootloader, args []string) error {
	info, err := bootloader.GetInfo()
	if err != nil {
		return err
	}
	log.Infof("bootloader info: %+v", info)
	return nil
}

func processFlashUnlock(bootloader stm32boot.Bootloader, args []string) error {
	return bootloader.FlashUnlock()
}

func processFlashLock(bootloader stm32boot.Bootloader, args []string) error {
	return bootloader.FlashLock()
}

func processFlashRead(bootloader stm32boot.Bootloader, args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	length := uint64(stm32boot.BlockSize)
	if len(args) > 1 {
		if length, err = strconv.ParseUint(args[1], 0, 32); err != nil {
			return fmt.Errorf("invalid length: %v", err)
		}
	}

	data := make([]byte, 0, length)
	for uint64(len(data)) < length {
		block, err := bootloader.FlashRead(addr + uint32(len(data)))
		if err != nil {
			return err
		}
		data = append(data, block...)
	}
	fmt.Print(hex.Dump(data[:length]))
	return nil
}

func processFlashProgram(bootloader stm32boot.Bootloader, args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	data, err := ioutil.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("failed to read data file: %v", err)
	}
	for off := 0; off < len(data); off += stm32boot.BlockSize {
		end := off + stm32boot.BlockSize
		if end > len(data) {
			end = len(data)
		}
		if err := bootloader.FlashProgram(addr+uint32(off), data[off:end]); err != nil {
			return err
		}
	}
	log.Infof("wrote %d bytes at %#08x", len(data), addr)
	return nil
}

func processFlashErase(bootloader stm32boot.Bootloader, args []string) error {
	sector, err := parseSector(args[0])
	if err != nil {
		return err
	}
	count := uint8(1)
	if len(args) > 1 {
		v, err := strconv.ParseUint(args[1], 0, 8)
		if err != nil {
			return fmt.Errorf("invalid count: %v", err)
		}
		count = uint8(v)
	}
	return bootloader.FlashErase(sector, count)
}

func processFlashMassErase(bootloader stm32boot.Bootloader, args []string) error {
	return bootloader.FlashMassErase()
}

func processFlashCopy(bootloader stm32boot.Bootloader, args []string) error {
	var v [3]uint32
	for i := range v {
		n, err := strconv.ParseUint(args[i], 0, 32)
		if err != nil {
			return fmt.Errorf("invalid argument %q: %v", args[i], err)
		}
		v[i] = uint32(n)
	}
	return bootloader.FlashCopy(v[0], v[1], v[2])
}

func processTransferControl(bootloader stm32boot.Bootloader, args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	return bootloader.TransferControl(addr)
}

func processOptionBytesUnlock(bootloader stm32boot.Bootloader, args []string) error {
	return bootloader.OptionBytesUnlock()
}

func processOptionBytesLock(bootloader stm32boot.Bootloader, args []string) error {
	return bootloader.OptionBytesLock()
}

func processOptionBytesRead(bootloader stm32boot.Bootloader, args []string) error {
	optcr, err := bootloader.OptionBytesRead()
	if err != nil {
		return err
	}
	fmt.Printf("OPTCR: %#08x\n", optcr)
	for s := 0; s < stm32.SectorsPerBank; s++ {
		// nWRP bits are active low.
		if optcr&(1<<(stm32.OPTCRnWRPPos+uint(s))) == 0 {
			fmt.Printf("sector %d: write protected\n", s)
		}
	}
	return nil
}

func processWriteProtect(bootloader stm32boot.Bootloader, args []string) error {
	sector, err := parseSector(args[0])
	if err != nil {
		return err
	}
	return bootloader.WriteProtect(sector)
}

func processWriteUnprotect(bootloader stm32boot.Bootloader, args []string) error {
	sector, err := parseSector(args[0])
	if err != nil {
		return err
	}
	return bootloader.WriteUnprotect(sector)
}
