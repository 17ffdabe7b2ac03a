package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hyperengineering/foundry/internal/config"
	"github.com/hyperengineering/foundry/pkg/progress"
	"github.com/hyperengineering/foundry/pkg/tracker"
)

var (
	serverOverride string
	noCache        bool
	jsonOutput     bool
)

// clientEnv is what a client subcommand needs to talk to the server.
type clientEnv struct {
	client *tracker.Client
	opts   tracker.Options
	cache  tracker.ToolingCache
}

func (e *clientEnv) Close() {
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			slog.Warn("cache close failed", "component", "cli", "error", err)
		}
	}
}

// resolveClient builds a tracker client and its tooling cache from config,
// honouring the --server and --no-cache flags.
func resolveClient() (*clientEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	serverURL := cfg.Client.ServerURL
	if serverOverride != "" {
		serverURL = serverOverride
	}
	client, err := tracker.NewClient(tracker.Config{
		ServerURL: serverURL,
		APIKey:    cfg.Auth.APIKey,
		Timeout:   time.Duration(cfg.Client.Timeout),
	})
	if err != nil {
		return nil, err
	}

	env := &clientEnv{
		client: client,
		opts:   tracker.Options{Logger: newLogger(os.Stderr, config.LogConfig{Level: "warn", Format: "text"})},
	}
	if noCache {
		return env, nil
	}

	cache, err := tracker.OpenCache(cfg.Cache.Backend, cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	env.cache = cache
	env.opts.Cache = cache
	return env, nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatPercent renders a display percentage. Estimated values carry a "~".
func formatPercent(pp progress.PartProgress) string {
	if pp.Estimated {
		return fmt.Sprintf("~%d%%", pp.Estimate)
	}
	return fmt.Sprintf("%.0f%%", pp.Percent)
}
