package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawline/timbersort/internal/status"
)

// clientTimeout bounds one request to a running daemon.
const clientTimeout = 10 * time.Second

var (
	apiAddr   string
	statusRaw bool
)

var apiClient = &http.Client{
	Timeout: clientTimeout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running daemon",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "Address of the running daemon")
	statusCmd.Flags().BoolVar(&statusRaw, "json", false, "Print the raw JSON document")

	rootCmd.AddCommand(statusCmd)
}

func apiGet(path string) ([]byte, error) {
	resp, err := apiClient.Get(apiAddr + path)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("daemon error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/status.json")
	if err != nil {
		return err
	}

	if statusRaw {
		fmt.Println(string(body))
		return nil
	}

	var doc status.StatusJSON
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("parse status response: %w", err)
	}
	printStatus(doc.Status)
	return nil
}

func printStatus(s status.StatusInner) {
	fmt.Printf("machine:    %s\n", s.Machine)
	fmt.Printf("uptime:     %s\n", (time.Duration(s.UptimeSeconds) * time.Second).String())

	linkState := "DOWN"
	if s.Link.Connected {
		linkState = "UP"
	}
	fmt.Printf("link:       %s", linkState)
	if s.Link.Connected {
		fmt.Printf(" (heartbeat %ds ago, boot %d", s.Link.HeartbeatAgeSecs, s.Link.BootCount)
		if s.Link.DeviceVersion != "" {
			fmt.Printf(", agent %s", s.Link.DeviceVersion)
		}
		fmt.Printf(")")
	} else if s.Link.ReconnectAttempt > 0 {
		fmt.Printf(" (reconnect attempt %d)", s.Link.ReconnectAttempt)
	}
	fmt.Println()

	fmt.Printf("controller: %s / %s (push=%s riser=%s eject=%s sensor=%s)\n",
		s.Device.Status, s.Device.RouterState,
		s.Device.Push, s.Device.Riser, s.Device.Eject, s.Device.Sensor)

	if s.Session != nil {
		fmt.Printf("session:    %s (since %s)\n", s.Session.ID, s.Session.StartedAt)
	} else {
		fmt.Printf("session:    none\n")
	}

	fmt.Printf("counts:     %d cycles, %d analyses, %d ejected, %d passed, %d timeouts, %d failures\n",
		s.Counts.Cycles, s.Counts.Analyses, s.Counts.Ejects, s.Counts.Passes,
		s.Counts.Timeouts, s.Counts.Failures)

	mqttState := "disconnected"
	if s.MQTT.Connected {
		mqttState = "connected"
	}
	if s.MQTT.Broker == "" {
		mqttState = "disabled"
	}
	fmt.Printf("mqtt:       %s", mqttState)
	if s.MQTT.Broker != "" {
		fmt.Printf(" (%s)", s.MQTT.Broker)
	}
	fmt.Println()
}
