package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bioreactor/internal/clock"
	"bioreactor/internal/config"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./dev.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(cfg, clock.Real{})
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}

	log.Printf("bioreactor starting")
	log.Printf("tick=%s sim=%t store=%q", cfg.Tick, cfg.Sim.Enable, cfg.Store.Path)

	go func() {
		if err := rt.ServeMetrics(ctx); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ticker := time.NewTicker(cfg.Tick)
	rt.Run(ctx, ticker.C)
	ticker.Stop()

	log.Printf("bioreactor stopping")
	if err := rt.Close(); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
