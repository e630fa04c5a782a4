package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/obsidianstack/pulse/agent/internal/compute"
	"github.com/obsidianstack/pulse/agent/internal/config"
	"github.com/obsidianstack/pulse/agent/internal/scraper"
	"github.com/obsidianstack/pulse/agent/internal/shipper"
)

// pipeline pairs a configured source with its scraper.
type pipeline struct {
	src config.Source
	s   scraper.Scraper
}

// sources holds the live pipeline set; config reloads replace it.
type sources struct {
	mu        sync.Mutex
	pipelines []pipeline
}

func (p *sources) snapshot() []pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pipelines
}

// rebuild swaps in scrapers for cfg and tells the engine to forget sources
// that were removed.
func (p *sources) rebuild(cfg config.AgentConfig, engine *compute.Engine) {
	var next []pipeline
	keep := make(map[string]bool, len(cfg.Sources))
	for _, src := range cfg.Sources {
		s, err := scraper.New(src)
		if err != nil {
			slog.Error("skipping source, could not build scraper", "source", src.ID, "err", err)
			continue
		}
		next = append(next, pipeline{src: src, s: s})
		keep[src.ID] = true
		slog.Info("registered source", "id", src.ID, "endpoint", src.Endpoint, "metric", src.Metric)
	}

	p.mu.Lock()
	prev := p.pipelines
	p.pipelines = next
	p.mu.Unlock()

	for _, old := range prev {
		if !keep[old.src.ID] {
			engine.Forget(old.src.ID)
		}
	}
	if len(next) == 0 {
		slog.Warn("no sources configured, agent will idle")
	}
}

func main() {
	configPath := flag.String("config", "agent.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("pulse-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"server_url", cfg.Agent.ServerURL,
		"sources", len(cfg.Agent.Sources),
		"scrape_interval", cfg.Agent.ScrapeInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine := compute.NewEngine()
	live := &sources{}
	live.rebuild(cfg.Agent, engine)

	// Intervals, buffer and server settings are fixed at startup; reloads
	// only change the source list.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			live.rebuild(updated.Agent, engine)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	ship := shipper.New(cfg.Agent, nil)
	shipDone := make(chan struct{})
	go func() {
		ship.Run(ctx)
		close(shipDone)
	}()

	ticker := time.NewTicker(cfg.Agent.ScrapeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("pulse-agent shutting down", "pending", ship.Pending())
			<-shipDone
			return
		case t := <-ticker.C:
			for _, p := range live.snapshot() {
				res, err := p.s.Scrape(ctx)
				if err != nil {
					slog.Warn("scrape error", "source", p.src.ID, "err", err)
					continue
				}
				samples := engine.Process(res, t)
				if len(samples) == 0 {
					continue
				}
				ship.Ship(samples...)
				slog.Debug("samples derived", "source", p.src.ID, "count", len(samples))
			}
		}
	}
}
