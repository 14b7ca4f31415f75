package main

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/amrbekhit/stm32boot"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

const appVersion = "0.3.0"

var (
	portFlag    string
	baudFlag    int
	verboseFlag bool
	profileFlag string
)

func main() {
	// Format the default profile in YAML format as an example.
	buf := new(bytes.Buffer)
	enc := yaml.NewEncoder(buf)
	enc.Encode(stm32boot.DefaultProfile())

	rootCmd := &cobra.Command{
		Use:     "stm32boot",
		Short:   "Program STM32F4 devices through the serial bootloader",
		Version: appVersion,
		Long: `stm32boot talks to the STM32F4 field-update bootloader over a serial port.

It can run individual bootloader commands, program and verify Intel HEX
images, or serve the bootloader itself on a simulated device.

The device profile is a YAML file. The default profile is:

` + buf.String(),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verboseFlag {
				log.SetLevel(log.DebugLevel)
			}
			stm32boot.SetLogger(log.StandardLogger())
		},
	}
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial port name")
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", 115200, "Baud rate")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "Device profile yaml file")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rootCmd.AddCommand(newHostCommand(name, commands[name]))
	}
	rootCmd.AddCommand(newFlashCommand(), newServeCommand(), newPortsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadProfile() (stm32boot.Profile, error) {
	if profileFlag == "" {
		return stm32boot.DefaultProfile(), nil
	}
	p, err := stm32boot.LoadProfileFile(profileFlag)
	if err != nil {
		return stm32boot.Profile{}, fmt.Errorf("failed to load profile: %v", err)
	}
	return p, nil
}

func openBootloader() (stm32boot.Bootloader, error) {
	if portFlag == "" {
		return nil, fmt.Errorf("must specify port")
	}
	bootloader, err := stm32boot.NewSerialBootloader(portFlag, baudFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise bootloader: %v", err)
	}
	return bootloader, nil
}

// newHostCommand wraps a single bootloader command in a cobra command that
// connects to the device first.
func newHostCommand(name string, c hostCommand) *cobra.Command {
	return &cobra.Command{
		Use:   name + " " + c.usage,
		Short: c.short,
		Args:  c.args,
		RunE: func(cmd *cobra.Command, args []string) error {
			bootloader, err := openBootloader()
			if err != nil {
				return err
			}
			if err := bootloader.Connect(); err != nil {
				return fmt.Errorf("failed to open bootloader: %v", err)
			}
			defer bootloader.Disconnect()
			return c.run(bootloader, args)
		},
	}
}
