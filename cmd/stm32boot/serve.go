package main

import (
	"fmt"
	"os"

	"github.com/amrbekhit/stm32boot"
	"github.com/amrbekhit/stm32boot/sim"
	"github.com/marcinbor85/gohex"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tarm/serial"
)

var imageFlag string

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bootloader on a simulated device",
		Long: `Run the bootloader on a simulated STM32F4 behind a serial port.

The simulated device uses the memory map of the profile. Its flash can be
preloaded from an Intel HEX image. The command ends when the bootloader
hands control to an application or the port is closed.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().StringVar(&imageFlag, "image", "", "Intel HEX image to preload into flash")
	return cmd
}

func preload(dev *sim.Device, name string) error {
	file, err := os.Open(name)
	if err != nil {
		return err
	}
	defer file.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(file); err != nil {
		return fmt.Errorf("failed to parse image: %v", err)
	}
	for _, segment := range mem.GetDataSegments() {
		if err := dev.Load(segment.Address, segment.Data); err != nil {
			return err
		}
		log.Debugf("preloaded %d bytes at %#08x", len(segment.Data), segment.Address)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if portFlag == "" {
		return fmt.Errorf("must specify port")
	}
	profile, err := loadProfile()
	if err != nil {
		return err
	}

	dev := sim.New(profile.Layout)
	if imageFlag != "" {
		if err := preload(dev, imageFlag); err != nil {
			return err
		}
	}
	d, err := stm32boot.New(profile, dev, dev)
	if err != nil {
		return err
	}

	// No read timeout: an idle link must not end the session.
	port, err := serial.OpenPort(&serial.Config{Name: portFlag, Baud: baudFlag})
	if err != nil {
		return err
	}
	defer port.Close()
	log.Infof("bootloader %s %s serving on %s", profile.Identity.ID, profile.Identity.Version, portFlag)

	done := make(chan error, 1)
	go func() {
		done <- d.Serve(port)
	}()

	select {
	case err := <-done:
		return err
	case j := <-dev.Jumped():
		log.Infof("control transferred to %#08x (sp %#08x, vtor %#08x)", j.Entry, j.SP, j.VTOR)
		return nil
	}
}
