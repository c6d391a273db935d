package main

import (
	"context"
	"flag"
	"log"

	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/config"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	httpAddr := flag.String("http", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	publicHost := flag.String("host", "", "Public hostname for webhooks (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if *httpAddr != "" {
		cfg.Server.Addr = *httpAddr
	}
	if *dbPath != "" {
		cfg.Storage.DBPath = *dbPath
	}
	if *publicHost != "" {
		cfg.Server.PublicHost = *publicHost
	}

	prompts, err := config.NewPrompts(cfg.Prompts, *configPath)
	if err != nil {
		log.Fatalf("Prompts error: %v", err)
	}
	defer prompts.Stop()

	srv, err := server.New(cfg, prompts)
	if err != nil {
		log.Fatalf("Startup error: %v", err)
	}

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
