// Command timbersortd is the host-side sorting daemon. It keeps the serial
// session to the cycle controller, answers analysis requests by running the
// capture/detect/decide pipeline, and serves the operator web UI, the
// settings API, MQTT telemetry and the decision history.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "timbersortd",
	Short: "Sorting daemon for the timber defect sorter",
	Long: `timbersortd runs the host side of the timber sorting machine: it talks to
the cycle controller over a serial line, photographs each raised board,
asks the defect detector for predictions, decides whether to eject, and
serves the operator UI plus telemetry.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run:   runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("timbersortd %s (%s/%s, %s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
