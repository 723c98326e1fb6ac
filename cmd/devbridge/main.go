// devbridge serves a bridge for a runtime command on a loopback port.
//
//	devbridge [flags] -- <command> [args...]
//
// Flags default to the DEVBRIDGE_* environment. The base URL is printed on
// stdout once the listener is up; the bridge routes live under the prefix
// below it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ggoodman/devbridge-go/bridge"
	"github.com/ggoodman/devbridge-go/events/redissink"
	"github.com/ggoodman/devbridge-go/standalone"
	"github.com/ggoodman/devbridge-go/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := standalone.FromEnv()
	if err != nil {
		return err
	}

	var (
		watch       []string
		redisEvents bool
		runtimeLogs bool
		verbose     bool
		startNow    bool
	)

	flagSet := pflag.NewFlagSet("devbridge", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to listen on")
	flagSet.StringVar(&cfg.Bridge.Prefix, "prefix", cfg.Bridge.Prefix, "path prefix of the bridge routes")
	flagSet.StringVar(&cfg.Bridge.Brand, "brand", cfg.Bridge.Brand, "brand used for the event subprotocol and fallback command")
	flagSet.StringVar(&cfg.Bridge.FallbackCommand, "fallback-command", cfg.Bridge.FallbackCommand, "command a human can run to start the runtime")
	flagSet.BoolVar(&cfg.Bridge.DisableAutoStart, "no-auto-start", cfg.Bridge.DisableAutoStart, "only start the runtime on an explicit start request")
	flagSet.StringVar(&cfg.Bridge.Runtime.Dir, "dir", cfg.Bridge.Runtime.Dir, "working directory of the runtime")
	flagSet.StringVar(&cfg.Bridge.Runtime.HealthPath, "health-path", cfg.Bridge.Runtime.HealthPath, "runtime path polled until it answers 2xx")
	flagSet.StringVar(&cfg.Bridge.Runtime.PortEnvVar, "port-env", cfg.Bridge.Runtime.PortEnvVar, "environment variable carrying the runtime port")
	flagSet.DurationVar(&cfg.Bridge.Runtime.StartTimeout, "start-timeout", cfg.Bridge.Runtime.StartTimeout, "how long to wait for the runtime to become healthy")
	flagSet.DurationVar(&cfg.Bridge.Runtime.StopTimeout, "stop-timeout", cfg.Bridge.Runtime.StopTimeout, "grace period between SIGTERM and SIGKILL")
	flagSet.StringSliceVar(&watch, "watch", nil, "restart a running runtime when files under these directories change")
	flagSet.DurationVar(&cfg.Bridge.Runtime.WatchDebounce, "watch-debounce", cfg.Bridge.Runtime.WatchDebounce, "quiet period before a watch restart")
	flagSet.BoolVar(&redisEvents, "redis-events", false, "publish bridge events to redis (REDIS_ADDR, DEVBRIDGE_EVENTS_CHANNEL)")
	flagSet.BoolVar(&runtimeLogs, "runtime-logs", true, "forward runtime stdout and stderr")
	flagSet.BoolVar(&startNow, "start", false, "start the runtime immediately")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	if args := flagSet.Args(); len(args) > 0 {
		if dash := flagSet.ArgsLenAtDash(); dash > 0 {
			return fmt.Errorf("unexpected argument before --: %s", args[0])
		}
		cfg.Bridge.Runtime.Command = args[0]
		cfg.Bridge.Runtime.Args = args[1:]
	}
	if len(watch) > 0 {
		cfg.Bridge.Runtime.WatchPaths = watch
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridgeOpts := []bridge.Option{bridge.WithLogger(log)}
	if runtimeLogs {
		bridgeOpts = append(bridgeOpts, bridge.WithSupervisorOptions(supervisor.WithOutput(os.Stderr, os.Stderr)))
	}
	if redisEvents {
		sink, err := redissink.FromEnv()
		if err != nil {
			return err
		}
		defer sink.Close()
		bridgeOpts = append(bridgeOpts, bridge.WithEventSink(sink))
		log.Info("devbridge.redis_events", slog.String("channel", sink.Channel()))
	}

	srv, err := standalone.Start(ctx, cfg.Bridge,
		standalone.WithListenAddr(cfg.ListenAddr),
		standalone.WithLogger(log),
		standalone.WithBridgeOptions(bridgeOpts...),
	)
	if err != nil {
		return err
	}
	fmt.Println(srv.BaseURL + srv.Bridge.Prefix())

	if err := srv.Bridge.Watch(ctx); err != nil {
		_ = srv.Close(context.Background())
		return err
	}

	if startNow {
		if _, err := srv.Bridge.Start(ctx); err != nil {
			log.Warn("devbridge.start.fail", slog.String("err", err.Error()))
		}
	}

	<-ctx.Done()
	log.Info("devbridge.shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Close(shutdownCtx)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `devbridge serves a local bridge in front of a runtime process.

The runtime is started on demand, given a free port in $DEVBRIDGE_RUNTIME_PORT
(see --port-env), and considered ready once its health path answers 2xx.

Usage:
  devbridge [flags] -- <command> [args...]

Examples:
  # Bridge a node runtime, restarting it when src/ changes
  devbridge --watch src -- node server.js

  # Report state only; a human runs the runtime
  devbridge --fallback-command "npm run dev"

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
