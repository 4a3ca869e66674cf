// Command ytingest registers YouTube channels and syncs their recent uploads
// into a local content store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"ytingest/config"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ytingest - YouTube channel ingestion

Usage:
  ytingest [global flags] <command> [flags] [args]

Commands:
  source add <channel-url>   Register a channel (looks up its title)
  source list                List registered channels
  source remove <source-id>  Remove a channel and its items
  sync <source-id>           Sync one channel
  sync-all                   Sync every registered channel
  quota                      Show API key quota state
  runs                       Show recent sync runs
  videos <video-id>...       Show video details
  playlist <playlist-id>     List a playlist's videos
  cache prune                Remove expired cached responses
  daemon                     Sync every channel on an interval
  version                    Print the version

Global flags:
  --config <path>       Config file (default: ./ytingest.yaml or ~/.config/ytingest/ytingest.yaml)
  --log-level <level>   debug, info, warn or error
  --log-format <fmt>    text or json

Examples:
  ytingest source add https://www.youtube.com/@GoogleDevelopers
  ytingest sync 7d0c5b8e-...
  ytingest runs --limit 5
  ytingest daemon --metrics-addr :9090

For help on a specific command: ytingest <command> -h
`)
}

func run(args []string) error {
	global := pflag.NewFlagSet("ytingest", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.Usage = printUsage
	configPath := global.String("config", "", "config file")
	logLevel := global.String("log-level", "", "log level")
	logFormat := global.String("log-format", "", "log format")
	if err := global.Parse(args); err != nil {
		return err
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage()
		return errors.New("missing command")
	}
	command, cmdArgs := rest[0], rest[1:]

	switch command {
	case "help", "-h", "--help":
		printUsage()
		return nil
	case "version":
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch command {
	case "source":
		return a.cmdSource(ctx, cmdArgs)
	case "sync":
		return a.cmdSync(ctx, cmdArgs)
	case "sync-all":
		return a.cmdSyncAll(ctx, cmdArgs)
	case "quota":
		return a.cmdQuota(ctx, cmdArgs)
	case "runs":
		return a.cmdRuns(ctx, cmdArgs)
	case "videos":
		return a.cmdVideos(ctx, cmdArgs)
	case "playlist":
		return a.cmdPlaylist(ctx, cmdArgs)
	case "cache":
		return a.cmdCache(ctx, cmdArgs)
	case "daemon":
		return a.cmdDaemon(ctx, cmdArgs)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// newLogger builds the process logger: tint for terminals, JSON otherwise.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(w),
		})
	}
	return slog.New(handler)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
