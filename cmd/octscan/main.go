// Command octscan drives a spectral-domain OCT depth scan: it serves the
// HTTP control API, runs one-shot scans from a request file and inspects
// archived scans.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/octscan/internal/acquisition"
	"github.com/banshee-data/octscan/internal/api"
	"github.com/banshee-data/octscan/internal/archive"
	"github.com/banshee-data/octscan/internal/config"
	"github.com/banshee-data/octscan/internal/scan"
	"github.com/banshee-data/octscan/internal/version"
)

const usage = `usage: octscan <command> [flags]

commands:
  serve     run the HTTP control server
  scan      run one scan from a JSON request and archive it
  inspect   print a summary of archived scans
  status    show the state of a running server
  abort     abort the scan on a running server
  reset     clear a fault on a running server
  version   print the build version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Printf("octscan: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return flag.ErrHelp
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "serve":
		return runServe(ctx, args, stderr)
	case "scan":
		return runScan(ctx, args, stdout, stderr)
	case "inspect":
		return runInspect(args, stdout, stderr)
	case "status", "abort", "reset":
		return runRemote(ctx, cmd, args, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "octscan %s (%s, %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// loadConfig reads path, or returns an empty config when path is empty.
func loadConfig(path string) (*config.InstrumentConfig, error) {
	if path == "" {
		return config.EmptyInstrumentConfig(), nil
	}
	return config.LoadInstrumentConfig(path)
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Instrument config JSON file")
	devMode := fs.Bool("dev", false, "Use the simulated stage")
	listen := fs.String("listen", "", "Listen address (overrides the config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	addr := cfg.GetListen()
	if *listen != "" {
		addr = *listen
	}

	hub := acquisition.NewHub()
	defer hub.Close()
	b, err := newBench(ctx, cfg, *devMode, hub, "")
	if err != nil {
		return err
	}
	defer b.Close()

	srv := api.NewServer(b.orch, api.Options{
		Hub:        hub,
		Store:      b.store,
		Serial:     b.serial,
		Instrument: cfg,
	})
	defer srv.Close()
	server := &http.Server{
		Addr:    addr,
		Handler: api.LoggingMiddleware(srv.ServeMux()),
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("listening on %s, archiving to %s", addr, b.store.Dir())
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
	log.Println("shutting down HTTP server...")

	// A running scan is aborted so the stage is parked and the partial
	// record archived before exit.
	b.orch.Abort()
	if b.orch.State().Running() {
		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := b.orch.Wait(waitCtx); err != nil {
			log.Printf("scan did not finish before shutdown: %v", err)
		}
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	return nil
}

func runScan(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Instrument config JSON file")
	devMode := fs.Bool("dev", false, "Use the simulated stage")
	requestPath := fs.String("request", "", "Scan request JSON file, - for stdin")
	outDir := fs.String("out", "", "Archive directory (overrides the config)")
	quiet := fs.Bool("quiet", false, "Do not print progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *requestPath == "" {
		return errors.New("scan: -request is required")
	}

	var in io.Reader = os.Stdin
	if *requestPath != "-" {
		f, err := os.Open(*requestPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	req, err := config.DecodeScanRequest(in)
	if err != nil {
		return err
	}
	scanCfg, err := req.ToConfig()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	observer := acquisition.ObserverFuncs{
		Warning: func(w scan.Warning) {
			fmt.Fprintf(stderr, "warning: step %d: %s: %s\n", w.Step, w.Kind, w.Message)
		},
	}
	if !*quiet {
		observer.Status = func(e acquisition.StatusEvent) {
			if e.State == acquisition.StateReading {
				fmt.Fprintf(stderr, "step %d/%d\n", e.Step+1, scanCfg.Steps)
			}
		}
	}

	b, err := newBench(ctx, cfg, *devMode, observer, *outDir)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.orch.StartScan(ctx, scanCfg); err != nil {
		return err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.orch.Abort()
		case <-done:
		}
	}()
	res, err := b.orch.Wait(context.Background())
	if err != nil {
		return err
	}
	if res.Record != nil {
		if err := archive.WriteSummary(stdout, res.Record); err != nil {
			return err
		}
	}
	if res.Location != "" {
		fmt.Fprintf(stdout, "\nArchived to %s\n", res.Location)
	}
	return res.Err
}

func runInspect(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("inspect: no archive given")
	}
	for i, path := range fs.Args() {
		rec, err := archive.Load(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if i > 0 {
			fmt.Fprintln(stdout)
		}
		fmt.Fprintf(stdout, "== %s\n", path)
		if err := archive.WriteSummary(stdout, rec); err != nil {
			return err
		}
	}
	return nil
}

func runRemote(ctx context.Context, cmd string, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", "http://localhost:8090", "Control server URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := api.NewClient(*server, nil)
	var snap acquisition.Snapshot
	var err error
	switch cmd {
	case "status":
		snap, err = c.Status(ctx)
	case "abort":
		snap, err = c.Abort(ctx)
	case "reset":
		snap, err = c.Reset(ctx)
	}
	if err != nil {
		return err
	}
	printSnapshot(stdout, snap)
	return nil
}

func printSnapshot(w io.Writer, snap acquisition.Snapshot) {
	fmt.Fprintf(w, "state: %s\n", snap.State)
	if snap.Steps > 0 {
		fmt.Fprintf(w, "step: %d of %d\n", snap.Step, snap.Steps)
	}
	if snap.Label != "" {
		fmt.Fprintf(w, "label: %s\n", snap.Label)
	}
	if snap.Fault != "" {
		fmt.Fprintf(w, "fault: %s\n", snap.Fault)
	}
	if snap.Location != "" {
		fmt.Fprintf(w, "last archive: %s\n", snap.Location)
	}
}
