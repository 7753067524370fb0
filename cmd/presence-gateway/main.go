package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/discovery"
	"github.com/banshee-data/presence.report/internal/gateway"
	"github.com/banshee-data/presence.report/internal/monitor"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/presence"
	"github.com/banshee-data/presence.report/internal/simulator"
	"github.com/banshee-data/presence.report/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a TOML config file (default ./"+config.DefaultConfigFile+" if present)")
	listen     = flag.String("listen", "", "Listen address (overrides gateway.listen)")
	devMode    = flag.Bool("dev", false, "Use the built-in module simulator instead of a serial port")
	dbPath     = flag.String("db", "", "SQLite database path; enables storage (overrides storage.path)")
	port       = flag.String("port", "", "Serial port to open at startup (overrides serial.port)")
	debug      = flag.Bool("debug", false, "Enable frame-level debug logging")
)

// devInterval is the simulated module update period.
const devInterval = 100 * time.Millisecond

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	monitoring.SetDebug(cfg.Gateway.Debug)
	log.Printf("presence gateway %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	opts := gateway.Options{
		Display: &statusLog{},
		Config:  cfg.ModuleConfig(),
	}

	if *devMode {
		sim := simulator.New()
		opts.Opener = sim.Open
		if cfg.Serial.Port == "" {
			cfg.Serial.Port = "simulator"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.Generate(ctx, devInterval, simulator.Wave)
		}()
		log.Printf("dev mode: using the module simulator")
	}

	var store *db.DB
	if cfg.Storage.Enabled {
		store, err = db.NewDB(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("failed to open database %s: %v", cfg.Storage.Path, err)
		}
		defer store.Close()
		opts.Recorder = store
	}

	server := gateway.NewServer(opts)

	if cfg.Serial.Port != "" {
		if err := openSerial(server, cfg); err != nil {
			log.Fatalf("failed to open %s: %v", cfg.Serial.Port, err)
		}
		log.Printf("opened %s", cfg.Serial.Port)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", server.Handler())
	server.AttachDebugRoutes(mux)

	var source monitor.Source = server
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("failed to attach admin routes: %v", err)
		}
		source = store
	}
	monitor.New(source, cfg.Gateway.Title).Attach(mux)

	if cfg.Discovery.Enabled {
		adv, err := newAdvertiser(cfg)
		if err != nil {
			log.Printf("discovery disabled: %v", err)
		} else if err := adv.Start(); err != nil {
			log.Printf("discovery disabled: %v", err)
		} else {
			defer adv.Stop()
		}
	}

	httpServer := &http.Server{
		Addr:    cfg.Gateway.Listen,
		Handler: mux,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf("listening on %s", cfg.Gateway.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := server.Close(shutdownCtx); err != nil {
			log.Printf("gateway close error: %v", err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := httpServer.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// applyFlags overrides the config with flags given on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Gateway.Listen = *listen
		case "db":
			cfg.Storage.Enabled = *dbPath != ""
			cfg.Storage.Path = *dbPath
		case "port":
			cfg.Serial.Port = *port
		case "debug":
			cfg.Gateway.Debug = *debug
		}
	})
}

func openSerial(server *gateway.Server, cfg *config.Config) error {
	popts, err := cfg.PortOptions()
	if err != nil {
		return err
	}
	return server.OpenSerial(gateway.OpenSerialData{
		Port:     cfg.Serial.Port,
		BaudRate: popts.BaudRate,
		RTSCTS:   popts.RTSCTS,
		Timeout:  popts.Timeout.Seconds(),
	})
}

func newAdvertiser(cfg *config.Config) (*discovery.Advertiser, error) {
	_, portStr, err := net.SplitHostPort(cfg.Gateway.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen address %q: %w", cfg.Gateway.Listen, err)
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("listen port %q: %w", portStr, err)
	}
	ttl, err := cfg.DiscoveryTTL()
	if err != nil {
		return nil, err
	}
	return discovery.NewAdvertiser(discovery.Config{
		Instance:  cfg.Discovery.Instance,
		Port:      p,
		Path:      discovery.DefaultPath,
		Version:   version.Version,
		Interface: cfg.Discovery.Interface,
		TTL:       ttl,
	})
}

// statusLog stands in for the physical display. It logs presence
// transitions rather than every sample.
type statusLog struct {
	mu      sync.Mutex
	seen    bool
	present bool
}

func (d *statusLog) Show(sample presence.Sample, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen && d.present == sample.Presence {
		return
	}
	d.seen, d.present = true, sample.Presence
	log.Printf("display: %s", status)
}
