package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/molerat-dev/molerat/pkg/client"
	"github.com/molerat-dev/molerat/pkg/config"
	"github.com/molerat-dev/molerat/pkg/log"
)

func main() { os.Exit(run()) }

func run() int {
	var (
		configPath string
		logLevel   string
		jsonLog    bool
	)

	flag.StringVar(&configPath, "c", "", "path to the configuration file (TOML)")
	flag.StringVar(&configPath, "config", "", "path to the configuration file (TOML)")
	flag.StringVar(&logLevel, "l", "info", "log level: trace|debug|info|warn|error")
	flag.StringVar(&logLevel, "log-level", "info", "log level: trace|debug|info|warn|error")
	flag.BoolVar(&jsonLog, "json-log", false, "emit structured json logs")
	flag.Parse()

	level, ok := log.ParseLevel(logLevel)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown log level %q\n", logLevel)
		return 2
	}
	log.Set(os.Stderr, jsonLog)
	log.SetLevel(level)

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "a configuration file is required: molerat -c config.toml")
		flag.Usage()
		return 2
	}

	conf, err := config.Load(configPath)
	if err != nil {
		log.Error("load config failed", "path", configPath, "err", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx, conf); err != nil {
		log.Error("client terminated", "err", err)
		if errors.Is(err, config.ErrConfig) ||
			errors.Is(err, client.ErrServiceNotExist) ||
			errors.Is(err, client.ErrAuthFailed) {
			return 2
		}
		return 1
	}

	return 0
}
