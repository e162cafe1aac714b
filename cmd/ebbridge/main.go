// Package main is the entry point for ebbridge, which runs Lua scripts
// against a Vert.x-style event-bus bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dshills/ebbridge/internal/app"
	"github.com/dshills/ebbridge/internal/config"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts, printConfig := parseFlags()

	if printConfig {
		cfg, err := app.LoadConfig(opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		data, err := cfg.TOML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = os.Stdout.Write(data)
		return 0
	}

	application, err := app.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}
	defer application.Shutdown()

	// SIGINT/SIGTERM quit, SIGHUP reloads the scripts and SIGUSR1 stops every
	// script thread.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(signals)

	go func() {
		for sig := range signals {
			switch sig {
			case syscall.SIGHUP:
				application.Reload()
			case syscall.SIGUSR1:
				application.StopAll()
			default:
				application.Shutdown()
				return
			}
		}
	}()

	if err := application.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func parseFlags() (app.Options, bool) {
	var opts app.Options
	var scripts string
	var printConfig, showVersion, showHelp bool

	flag.StringVar(&opts.ConfigPath, "config", os.Getenv("EBBRIDGE_CONFIG"), "Path to configuration file (.toml or .yaml)")
	flag.StringVar(&opts.ConfigPath, "c", os.Getenv("EBBRIDGE_CONFIG"), "Path to configuration file (shorthand)")
	flag.StringVar(&scripts, "scripts", "", "Comma-separated script files or directories")
	flag.StringVar(&opts.Address, "address", "", "Event-bus bridge address, e.g. tcp://localhost:7000")
	flag.StringVar(&opts.Transport, "transport", "", "Transport: tcp or memory")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.Watch, "watch", false, "Reload scripts when they change")
	flag.BoolVar(&opts.Watch, "w", false, "Reload scripts when they change (shorthand)")
	flag.BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "ebbridge - Lua scripting for a Vert.x-style event bus\n\n")
		fmt.Fprintf(os.Stderr, "Usage: ebbridge [options] [scripts...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ebbridge scripts/                           Run every script in a directory\n")
		fmt.Fprintf(os.Stderr, "  ebbridge -address tcp://bus:7000 echo.lua   Run one script against a bridge\n")
		fmt.Fprintf(os.Stderr, "  ebbridge -transport memory -w scripts/      Try scripts without a bridge\n")
		fmt.Fprintf(os.Stderr, "\nSignals:\n")
		fmt.Fprintf(os.Stderr, "  SIGHUP reloads the scripts, SIGUSR1 stops all script threads.\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("ebbridge %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	if opts.LogLevel != "" {
		switch opts.LogLevel {
		case "debug", "info", "warn", "error":
		default:
			fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.LogLevel)
			os.Exit(1)
		}
	}
	if opts.Transport != "" && opts.Transport != config.TransportTCP && opts.Transport != config.TransportMemory {
		fmt.Fprintf(os.Stderr, "Error: invalid transport %q (must be tcp or memory)\n", opts.Transport)
		os.Exit(1)
	}

	for _, s := range strings.Split(scripts, ",") {
		if s = strings.TrimSpace(s); s != "" {
			opts.Scripts = append(opts.Scripts, s)
		}
	}
	// Remaining arguments are scripts too.
	opts.Scripts = append(opts.Scripts, flag.Args()...)

	return opts, printConfig
}
