package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sawline/timbersort/internal/config"
	"github.com/sawline/timbersort/internal/device"
	"github.com/sawline/timbersort/internal/gpio"
	"github.com/sawline/timbersort/internal/port"
)

var (
	consoleDevice string
	consoleBaud   int
	stateDir      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the cycle controller loop",
	Long: `Opens the GPIO lines and the serial console, then runs the cycle loop
until SIGINT or SIGTERM. The daemon on the other end of the console owns
timing settings; the agent starts from the shipped defaults until the first
SETTINGS command arrives.`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().StringVar(&consoleDevice, "device", "/dev/ttyAMA0", "Serial console device node")
	runCmd.Flags().IntVar(&consoleBaud, "baud", port.DefaultBaud, "Serial line rate")
	runCmd.Flags().StringVar(&stateDir, "state-dir", "/var/lib/timbersort-agent", "Directory for the boot counter")

	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	boot, err := device.NextBootCount(stateDir)
	if err != nil {
		// The bumped count is still usable; reboot detection degrades, the
		// cycle does not.
		log.Printf("boot counter: %v", err)
	}
	log.Printf("boot %d, version %s", boot, version)

	pins, err := gpio.NewRealPins(pinPush, pinRiser, pinEject, pinSensor)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer pins.Close()

	opener := port.SerialOpener{Device: consoleDevice, Baud: consoleBaud}
	p, err := opener.Open()
	if err != nil {
		return fmt.Errorf("open console: %w", err)
	}

	agent, err := device.New(device.Config{
		Pins:      pins,
		Port:      p,
		Timing:    config.Default().Slave,
		BootCount: boot,
		Version:   version,
	})
	if err != nil {
		p.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Printf("received %v, shutting down", s)
		cancel()
	}()

	log.Printf("agent running on %s (push=%d riser=%d eject=%d sensor=%d)",
		consoleDevice, pinPush, pinRiser, pinEject, pinSensor)

	// Run owns the port and closes it on exit.
	return agent.Run(ctx)
}
