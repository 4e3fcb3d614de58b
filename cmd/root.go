// Package cmd implements the webber CLI using Cobra: a thin harness around
// the façade, which remains the importable library surface. The command
// loads a header-store file, builds a Webber, and fetches the URLs given as
// positional arguments, printing status codes.
package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	webber "github.com/drsoft-oss/webber"
	"github.com/drsoft-oss/webber/internal/api"
	"github.com/drsoft-oss/webber/internal/config"
	"github.com/drsoft-oss/webber/internal/headerstore"
	"github.com/drsoft-oss/webber/internal/retry"
)

var version = "dev"

var (
	flagHeaderStore string
	flagConfigFile  string
	flagAPIAddr     string
	flagHTTP2       bool
)

var rootCmd = &cobra.Command{
	Use:   "webber [urls...]",
	Short: "Polite, resilient HTTP client façade for scraping workloads",
	Long: `webber fetches URLs through a rotating pool of forward proxies.

Each proxy is rotated and quarantined based on observed response quality,
outbound sessions are retired after a randomised request budget, and
per-origin request pacing keeps any single host from being hammered.`,
	Version:      version,
	SilenceUsage: true,
	Args:         cobra.MinimumNArgs(1),
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flagHeaderStore, "header-store", "f", "", "Path to the proxy header-store JSON file (required)")
	_ = rootCmd.MarkFlagRequired("header-store")
	f.StringVarP(&flagConfigFile, "config", "c", "", "Path to a YAML config file (optional; flags/defaults apply otherwise)")
	f.StringVar(&flagAPIAddr, "api-addr", "127.0.0.1:9090", "Management API listen address")
	f.BoolVar(&flagHTTP2, "http2", true, "Use HTTP/2 for requests (HTTP/1.1 otherwise)")
}

func run(cmd *cobra.Command, args []string) error {
	cfg := &config.Config{HeaderStorePath: flagHeaderStore, API: config.APIConfig{Addr: flagAPIAddr}}
	if flagConfigFile != "" {
		loaded, err := config.LoadConfig(flagConfigFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		config.ApplyDefaults(cfg)
		if err := config.Validate(cfg); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
	}

	log.Printf("[init] loading header-store from %s", cfg.HeaderStorePath)
	proxies, err := headerstore.Load(cfg.HeaderStorePath)
	if err != nil {
		return fmt.Errorf("load header-store: %w", err)
	}
	log.Printf("[init] loaded %d proxies", len(proxies))

	retries, err := cfg.Retries.RetryMap()
	if err != nil {
		return fmt.Errorf("build retry map: %w", err)
	}

	httpVersion := webber.HTTP1
	if flagHTTP2 {
		httpVersion = webber.HTTP2
	}

	w, err := webber.New(proxies, webber.Config{
		MaxBadResponses:    cfg.Pool.MaxBadResponses,
		MinBudget:          cfg.Session.MinBudget,
		MaxBudget:          cfg.Session.MaxBudget,
		InFlightPermits:    cfg.Host.InFlightPermits,
		MinSpacing:         cfg.Host.MinSpacing,
		DialTimeout:        cfg.Session.DialTimeout,
		FollowRedirects:    cfg.Session.FollowRedirects,
		MaxRedirects:       cfg.Session.MaxRedirects,
		DefaultHTTPVersion: httpVersion,
		DefaultRetries:     retries,
	})
	if err != nil {
		return fmt.Errorf("init webber: %w", err)
	}
	defer w.Close()

	var apiSrv *api.Server
	if cfg.API.Enabled {
		reg := prometheus.NewRegistry()
		m := api.NewMetrics(reg, w.Pool(), w)
		w.SetRetryObserver(func(c retry.Class) {
			m.RetriesByClass.WithLabelValues(c.String()).Inc()
		})
		apiSrv = api.New(cfg.API.Addr, w.Pool(), w, reg)
		go func() {
			log.Printf("[init] management API listening on http://%s", cfg.API.Addr)
			if err := apiSrv.Start(); err != nil && err != http.ErrServerClosed {
				log.Printf("[api] server stopped: %v", err)
			}
		}()
		defer apiSrv.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("[init] received %s — shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	exitCode := fetchAll(ctx, w, args)
	if exitCode != 0 {
		return fmt.Errorf("one or more fetches failed")
	}
	return nil
}

// fetchAll issues one GET per positional URL argument and prints its status
// code (or error) to stdout; returns 0 if every fetch succeeded, 1 otherwise.
func fetchAll(ctx context.Context, w *webber.Webber, urls []string) int {
	exit := 0
	for _, u := range urls {
		reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		resp, err := w.Get(reqCtx, u, nil, nil, webber.Hooks{}, nil)
		cancel()
		if err != nil {
			fmt.Printf("%s: error: %v\n", u, err)
			exit = 1
			continue
		}
		fmt.Printf("%s: %d\n", u, resp.StatusCode)
		resp.Body.Close()
	}
	return exit
}
