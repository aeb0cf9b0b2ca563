// Command dmg-sim runs a DMG beamforming scenario on the virtual clock and
// reports the trained sectors.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/beamlink/internal/config"
	"github.com/banshee-data/beamlink/internal/db"
	"github.com/banshee-data/beamlink/internal/monitoring"
	"github.com/banshee-data/beamlink/internal/version"
)

var (
	configPath   = flag.String("config", "", "Timing config JSON file (built-in defaults when empty)")
	scenarioPath = flag.String("scenario", "", "Scenario JSON file (embedded four-by-one scenario when empty)")
	dbPath       = flag.String("db", "", "SQLite file to record results in")
	pcapPath     = flag.String("pcap", "", "Write every frame on the medium to this pcap file")
	plotDir      = flag.String("plot", "", "Directory for per-link SNR plots (PNG)")
	chartDir     = flag.String("chart", "", "Directory for per-link SNR charts (HTML)")
	listen       = flag.String("listen", "", "Serve /metrics and debug pages on this address after the run")
	quiet        = flag.Bool("quiet", false, "Mute engine logs")
	showVersion  = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("dmg-sim"))
		return
	}
	if *quiet {
		monitoring.SetLogger(nil)
	}
	if err := run(); err != nil {
		log.Fatalf("dmg-sim: %v", err)
	}
}

func run() error {
	timing := config.DefaultTimingConfig()
	if *configPath != "" {
		var err error
		if timing, err = config.LoadTimingConfig(*configPath); err != nil {
			return err
		}
	}
	sc, err := loadScenario(*scenarioPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	opts := Options{Timing: timing, Registry: reg}

	var database *db.DB
	if *dbPath != "" {
		if database, err = db.NewDB(*dbPath); err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
		opts.DB = database
	}
	if *pcapPath != "" {
		f, err := os.Create(*pcapPath)
		if err != nil {
			return fmt.Errorf("failed to create pcap file: %w", err)
		}
		defer f.Close()
		opts.Capture = f
	}

	res, err := Run(sc, opts)
	if err != nil {
		return err
	}
	printSummary(os.Stdout, res)
	if res.RunID != "" {
		log.Printf("recorded run %s in %s", res.RunID, *dbPath)
	}
	if res.Captured > 0 {
		log.Printf("captured %d frames to %s", res.Captured, *pcapPath)
	}

	if *plotDir != "" {
		files, err := writePlots(*plotDir, res)
		if err != nil {
			return fmt.Errorf("failed to write plots: %w", err)
		}
		log.Printf("wrote %d plots to %s", len(files), *plotDir)
	}
	if *chartDir != "" {
		files, err := writeCharts(*chartDir, res)
		if err != nil {
			return fmt.Errorf("failed to write charts: %w", err)
		}
		log.Printf("wrote %d charts to %s", len(files), *chartDir)
	}

	if *listen == "" {
		return nil
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, *listen, reg, database)
}

func newMux(reg *prometheus.Registry, database *db.DB) (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if database != nil {
		if err := database.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// serve blocks until ctx is cancelled.
func serve(ctx context.Context, addr string, reg *prometheus.Registry, database *db.DB) error {
	mux, err := newMux(reg, database)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("serving metrics on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	return nil
}
