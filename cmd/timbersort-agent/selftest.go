package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawline/timbersort/internal/gpio"
)

var holdTime time.Duration

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Fire each cylinder briefly and read the board sensor",
	Long: `Commissioning check: energizes each cylinder solenoid in turn for the
hold duration, releases it, then samples the board sensor. Run it with the
machine clear of boards and watch the cylinders move.`,
	RunE: runSelftest,
}

func init() {
	selftestCmd.Flags().DurationVar(&holdTime, "hold", 500*time.Millisecond, "How long to hold each cylinder extended")

	rootCmd.AddCommand(selftestCmd)
}

func runSelftest(cmd *cobra.Command, args []string) error {
	pins, err := gpio.NewRealPins(pinPush, pinRiser, pinEject, pinSensor)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer pins.Close()

	steps := []struct {
		name string
		set  func(bool) error
	}{
		{"push", pins.SetPush},
		{"riser", pins.SetRiser},
		{"eject", pins.SetEject},
	}

	for _, s := range steps {
		fmt.Printf("%s: extend... ", s.name)
		if err := s.set(true); err != nil {
			fmt.Println("FAIL")
			return fmt.Errorf("%s cylinder: %w", s.name, err)
		}
		time.Sleep(holdTime)
		if err := s.set(false); err != nil {
			fmt.Println("FAIL")
			return fmt.Errorf("release %s cylinder: %w", s.name, err)
		}
		fmt.Println("ok")
	}

	active, err := pins.SensorActive()
	if err != nil {
		return fmt.Errorf("board sensor: %w", err)
	}
	state := "clear"
	if active {
		state = "board present"
	}
	fmt.Printf("sensor: %s\n", state)
	return nil
}
