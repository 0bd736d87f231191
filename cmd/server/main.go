// Package main provides the entry point for the kiro-proxy server: a
// multi-protocol AI chat reverse proxy that forwards OpenAI, Anthropic and
// Gemini shaped requests to the upstream Kiro CodeWhisperer-style service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiro-proxy/internal/config"
	"github.com/kiroproxy/kiro-proxy/internal/logging"
	"github.com/kiroproxy/kiro-proxy/sdk/cliproxy"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	fmt.Printf("kiro-proxy %s (%s, built %s)\n", Version, Commit, BuildDate)

	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the YAML config file")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] [port]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	if flag.NArg() > 0 {
		port, perr := strconv.Atoi(flag.Arg(0))
		if perr != nil {
			log.WithError(perr).Fatalf("invalid port argument %q", flag.Arg(0))
		}
		cfg.Port = port
	}

	if lvl, lerr := log.ParseLevel(cfg.LogLevel); lerr == nil {
		log.SetLevel(lvl)
	}
	if err := logging.ConfigureLogOutput(cfg); err != nil {
		log.WithError(err).Warn("failed to configure log output, continuing on stdout")
	}

	if configPath != "" {
		watcher, werr := config.WatchFile(configPath, func(updated *config.Config) {
			log.Info("configuration reloaded")
			if lvl, lerr := log.ParseLevel(updated.LogLevel); lerr == nil {
				log.SetLevel(lvl)
			}
		})
		if werr != nil {
			log.WithError(werr).Warn("failed to start config watcher")
		} else {
			defer watcher.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := cliproxy.NewBuilder(cfg).Build(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to build service")
	}

	log.WithField("port", cfg.Port).Info("starting kiro-proxy")
	if err := service.Run(ctx); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
	log.Info("kiro-proxy stopped")
}
