package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/logging"
	flag "github.com/spf13/pflag"
)

var (
	configPath = flag.StringP("config", "c", "rigbridge.json", "Configuration file path (.yaml or .json)")
	port       = flag.IntP("port", "p", 0, "HTTP port, overrides the configuration")
	bind       = flag.String("bind", "", "HTTP bind address, overrides the configuration")
	radioType  = flag.String("radio", "", "Radio backend to start with, overrides the configuration for this run")
	version    = flag.BoolP("version", "v", false, "Show version information")
)

const (
	Version = "0.1.0-dev"
	Build   = "development"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("rigbridge version %s (%s)\n", Version, Build)
		os.Exit(0)
	}

	store, err := config.NewStore(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := store.Get()

	if *radioType != "" && !config.IsRadioType(*radioType) {
		log.Fatalf("Unknown radio type %q, expected one of %v", *radioType, config.RadioTypes)
	}

	logger, err := logging.InitGlobalLogger(&cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.CloseGlobalLogger()

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	if *bind != "" || *port != 0 {
		host, p := cfg.BindAddress, cfg.Port
		if *bind != "" {
			host = *bind
		}
		if *port != 0 {
			p = *port
		}
		addr = fmt.Sprintf("%s:%d", host, p)
	}

	logging.Infof("main", "rigbridge version %s starting...", Version)
	logging.Infof("main", "Configuration: %s", *configPath)

	bridge := NewRigBridge(store, logger, addr)
	radio := cfg.Radio
	if *radioType != "" {
		radio.Type = *radioType
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := bridge.Start(radio); err != nil {
		logging.Errorf("main", "Failed to start rigbridge: %v", err)
		os.Exit(1)
	}

	logging.Infof("main", "rigbridge listening on http://%s", bridge.Addr())

	<-sigChan
	logging.Info("main", "Shutting down...")

	if err := bridge.Stop(); err != nil {
		logging.Errorf("main", "Error during shutdown: %v", err)
	}

	logging.Info("main", "rigbridge stopped")
}
