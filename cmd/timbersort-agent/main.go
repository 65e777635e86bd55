// Command timbersort-agent runs on the sorting machine's controller board.
// It drives the pneumatic cylinders and board sensor over GPIO and speaks
// the line protocol to the sorting daemon over the serial console.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sawline/timbersort/internal/gpio"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "timbersort-agent",
	Short: "Cycle controller agent for the timber sorting machine",
	Long: `timbersort-agent drives the sorting machine's pneumatic cycle: it watches
the board sensor, times the push/riser/ejection cylinders and reports every
state change to the sorting daemon over the serial console.`,
}

var (
	pinPush   int
	pinRiser  int
	pinEject  int
	pinSensor int
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run:   runVersion,
}

func init() {
	rootCmd.PersistentFlags().IntVar(&pinPush, "pin-push", gpio.DefaultPinPush, "BCM pin for the push cylinder solenoid")
	rootCmd.PersistentFlags().IntVar(&pinRiser, "pin-riser", gpio.DefaultPinRiser, "BCM pin for the riser cylinder solenoid")
	rootCmd.PersistentFlags().IntVar(&pinEject, "pin-eject", gpio.DefaultPinEject, "BCM pin for the ejection cylinder solenoid")
	rootCmd.PersistentFlags().IntVar(&pinSensor, "pin-sensor", gpio.DefaultPinSensor, "BCM pin for the board sensor")

	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("timbersort-agent %s (%s/%s, %s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
