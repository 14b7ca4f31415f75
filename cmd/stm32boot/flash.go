package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/amrbekhit/stm32boot"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
)

var (
	verifyFlag  bool
	runFlag     bool
	noEraseFlag bool
	beforeFlag  string
	afterFlag   string
)

func newFlashCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flash <firmware.hex>",
		Short: "Program an Intel HEX image",
		Long: `Program an Intel HEX image into flash.

The sectors touched by the image are erased, the image is written in
16 byte blocks and flash is locked again. The image is then read back
and compared unless --verify=false is given.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	cmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify after programming")
	cmd.Flags().BoolVar(&runFlag, "run", false, "Start the image after programming")
	cmd.Flags().BoolVar(&noEraseFlag, "no-erase", false, "Do not erase before programming")
	cmd.Flags().StringVar(&beforeFlag, "before", "", "Command to run before programming")
	cmd.Flags().StringVar(&afterFlag, "after", "", "Command to run after programming has been completed successfully")
	return cmd
}

func runFlash(cmd *cobra.Command, args []string) error {
	profile, err := loadProfile()
	if err != nil {
		return err
	}
	bootloader, err := openBootloader()
	if err != nil {
		return err
	}

	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	// Run the before command
	if beforeFlag != "" {
		log.Infof("running before command...")
		if err := exec.Command(beforeFlag).Run(); err != nil {
			return fmt.Errorf("failed to run before command: %v", err)
		}
	}

	prog := stm32boot.NewProgrammer(bootloader, profile.Layout, stm32boot.Options{NoErase: noEraseFlag})
	if err := prog.LoadHex(file); err != nil {
		return err
	}
	log.Infof("hex file loaded")

	log.Infof("connecting to device...")
	if err := prog.Connect(); err != nil {
		return err
	}
	defer prog.Disconnect()
	log.Infof("connected to %+v", prog.GetInfo())

	var (
		bar   *progressbar.ProgressBar
		stage string
	)
	prog.SetProgressCallback(func(s string, done, total int) {
		if s != stage {
			if bar != nil {
				bar.Finish()
			}
			stage = s
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(s),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(s != "erase"),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionThrottle(100),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Set(done)
	})
	finish := func() {
		if bar != nil {
			bar.Finish()
			bar = nil
			stage = ""
		}
	}

	log.Infof("programming...")
	err = prog.Program()
	finish()
	if err != nil {
		return err
	}

	if verifyFlag {
		log.Infof("verifying...")
		err = prog.Verify()
		finish()
		if err != nil {
			return err
		}
	}

	if runFlag {
		log.Infof("starting application...")
		if err := prog.Run(0); err != nil {
			return err
		}
	}
	log.Infof("complete")

	// Run the after command
	if afterFlag != "" {
		log.Infof("running after command...")
		if err := exec.Command(afterFlag).Run(); err != nil {
			return fmt.Errorf("failed to run after command: %v", err)
		}
	}
	return nil
}

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.GetPortsList()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("No serial ports found")
				return nil
			}
			fmt.Println("Available serial ports:")
			for _, p := range ports {
				fmt.Printf("  %s\n", p)
			}
			return nil
		},
	}
}
