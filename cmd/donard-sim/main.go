// Command donard-sim drives the pinning core against simulated devices:
// an accelerator with pinnable memory, an NVMe namespace and a process
// address space, all sharing one physical window.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"github.com/sbates130272/nvme-donard/internal/config"
	"github.com/sbates130272/nvme-donard/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML configuration file (defaults when empty)")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&stressCmd{}, "")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "donard-sim: %v\n", err)
		os.Exit(2)
	}

	logConfig := logging.DefaultConfig()
	logConfig.Format = cfg.LogFormat
	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logConfig.Level = level
	}
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := subcommands.Execute(ctx, cfg, logger)
	stop()
	os.Exit(int(status))
}
