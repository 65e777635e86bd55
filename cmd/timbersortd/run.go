package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sawline/timbersort/internal/analyzer"
	"github.com/sawline/timbersort/internal/capture"
	"github.com/sawline/timbersort/internal/config"
	"github.com/sawline/timbersort/internal/history"
	"github.com/sawline/timbersort/internal/hub"
	"github.com/sawline/timbersort/internal/link"
	"github.com/sawline/timbersort/internal/orchestrator"
	"github.com/sawline/timbersort/internal/port"
	"github.com/sawline/timbersort/internal/status"
	"github.com/sawline/timbersort/internal/telemetry"
	"github.com/sawline/timbersort/internal/web"
)

// mqttPollInterval is how often the tracker's broker-connected flag is
// refreshed for the status page.
const mqttPollInterval = 5 * time.Second

var (
	serialDevice string
	serialBaud   int
	httpAddr     string
	broker       string
	machine      string
	cameraURL    string
	detectorURL  string
	settingsPath string
	historyPath  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sorting daemon",
	Long: `Connects to the cycle controller and runs until SIGINT or SIGTERM.
Settings load from the settings file (defaults apply when it is missing) and
persist back on every API update.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().StringVar(&serialDevice, "device", "/dev/ttyACM0", "Serial device node of the cycle controller")
	runCmd.Flags().IntVar(&serialBaud, "baud", port.DefaultBaud, "Serial line rate")
	runCmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP listen address for the operator UI and API")
	runCmd.Flags().StringVar(&broker, "broker", "", "MQTT broker address, e.g. tcp://192.168.1.200:1883 (empty disables telemetry)")
	runCmd.Flags().StringVar(&machine, "machine", "sorter-1", "Machine name; scopes the MQTT topics")
	runCmd.Flags().StringVar(&cameraURL, "camera", "http://127.0.0.1:8400/capture", "Camera service capture endpoint")
	runCmd.Flags().StringVar(&detectorURL, "detector", "http://127.0.0.1:8500/detect", "Defect detection service endpoint")
	runCmd.Flags().StringVar(&settingsPath, "settings", "/etc/timbersort/settings.json", "Settings file path")
	runCmd.Flags().StringVar(&historyPath, "db", "/var/lib/timbersort/history.db", "SQLite history database (empty disables history)")

	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := log.Default()

	store := config.NewStore(settingsPath)
	settings, err := store.Load()
	if err != nil {
		return err
	}

	tracker := status.NewTracker(time.Now(), status.Config{
		Device:      serialDevice,
		Broker:      broker,
		HTTPAddr:    httpAddr,
		Machine:     machine,
		CameraURL:   cameraURL,
		DetectorURL: detectorURL,
	})

	var pub telemetry.Publisher = telemetry.Disabled{}
	var brokerStatus telemetry.ConnectionStatus = telemetry.Disabled{}
	if broker != "" {
		real, err := telemetry.NewRealPublisher(broker, machine)
		if err != nil {
			return fmt.Errorf("connect broker %s: %w", broker, err)
		}
		pub = real
		brokerStatus = real
		logger.Printf("telemetry: publishing to %s as %s", broker, machine)
	}
	defer pub.Close()

	var recorder orchestrator.Recorder
	var webHistory web.History
	if historyPath != "" {
		hist, err := history.New(historyPath)
		if err != nil {
			return fmt.Errorf("open history db: %w", err)
		}
		defer hist.Close()
		recorder = hist
		webHistory = hist
	}

	h := hub.New(logger)
	lnk := link.New(link.Config{
		Opener: port.SerialOpener{Device: serialDevice, Baud: serialBaud},
		Logger: logger,
	})
	orch := orchestrator.New(orchestrator.Config{
		Events:    lnk.Events(),
		Commander: lnk,
		Capturer:  capture.NewHTTPCapturer(cameraURL),
		Analyzer:  analyzer.NewHTTPAnalyzer(detectorURL),
		Settings:  settings,
		Store:     store,
		History:   recorder,
		Telemetry: pub,
		Hub:       h,
		Tracker:   tracker,
		Logger:    logger,
	})
	srv := web.New(httpAddr, tracker, h, orch, webHistory, logger)

	// Publish startup with a full status snapshot before anything moves.
	tracker.SetMQTTConnected(brokerStatus.IsConnected())
	snap := tracker.Snapshot()
	startup := telemetry.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := pub.PublishSystem(startup); err != nil {
		logger.Printf("startup event publish failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// shutdownReason is written before cancel and read after g.Wait, so the
	// group join orders the accesses.
	var shutdownReason string
	g.Go(func() error {
		select {
		case s := <-sigCh:
			shutdownReason = signalName(s)
			logger.Printf("received %v, shutting down", s)
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		err := lnk.Run(ctx)
		if errors.Is(err, link.ErrRetriesExhausted) {
			// The daemon stays up so the status page can show why the
			// controller is gone.
			logger.Printf("%v; continuing without controller", err)
			return nil
		}
		return err
	})

	g.Go(func() error {
		return orch.Run(ctx)
	})

	g.Go(func() error {
		logger.Printf("http: listening on %s", httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		return srv.Shutdown(shutCtx)
	})

	g.Go(func() error {
		t := time.NewTicker(mqttPollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				tracker.SetMQTTConnected(brokerStatus.IsConnected())
			}
		}
	})

	logger.Printf("daemon running: device=%s http=%s machine=%s camera=%s detector=%s",
		serialDevice, httpAddr, machine, cameraURL, detectorURL)

	err = g.Wait()

	tracker.SetMQTTConnected(brokerStatus.IsConnected())
	snap = tracker.Snapshot()
	shutdown := telemetry.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "SHUTDOWN",
		Reason:     shutdownReason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", shutdownReason),
	}
	if perr := pub.PublishSystem(shutdown); perr != nil {
		logger.Printf("shutdown event publish failed: %v", perr)
	} else {
		logger.Printf("published shutdown event")
	}
	return err
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}
