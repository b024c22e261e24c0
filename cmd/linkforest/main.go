package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/halftermeyer/linkforest/internal/server"
	"github.com/halftermeyer/linkforest/pkg/engine"
)

func main() {
	// flag.String(nome, val_default, descrizione per help)
	httpAddr := flag.String("http-addr", ":8080", "Address and port for the REST API server (e.g. :8080)")
	dataDir := flag.String("data-dir", "./data", "Directory for AOF and snapshot files")
	configPath := flag.String("config", "", "Optional YAML configuration file")
	authToken := flag.String("auth-token", "", "Static bearer token for the API (empty = no auth)")

	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	opts := engine.DefaultOptions(*dataDir)
	if err := cfg.Apply(&opts); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// L'engine carica snapshot + AOF prima di accettare traffico.
	eng, err := engine.Open(opts)
	if err != nil {
		log.Fatalf("Failed to open engine: %v", err)
	}

	addr := *httpAddr
	if cfg.HTTP.Addr != "" {
		addr = cfg.HTTP.Addr
	}
	token := *authToken
	if cfg.HTTP.AuthToken != "" {
		token = cfg.HTTP.AuthToken
	}

	srv := server.NewServer(eng, addr, token)

	// canale in ascolto del segnale di interruzione (Ctrl+c)
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Run(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdownChan

	srv.Shutdown()
	if err := eng.Close(); err != nil {
		log.Printf("Engine close error: %v", err)
	}
}
