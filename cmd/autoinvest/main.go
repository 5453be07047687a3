// autoinvest places recurring stock orders from a spreadsheet through the
// brokerage web API on a daily schedule.
//
// Usage:
//
//	autoinvest <run|start|stop|restart|status|logs|execute> [--config path]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"autoinvest/internal/config"
	"autoinvest/internal/service"
	"autoinvest/pkg/logging"
)

// Exit codes of the supervisor surface
const (
	exitOK             = 0
	exitFailure        = 1
	exitConfig         = 2
	exitAlreadyRunning = 3
	exitNotRunning     = 4
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitFailure
	}
	command := args[0]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := flags.String("config", "configs/autoinvest.yaml", "Path to configuration file")
	lines := flags.Int("lines", 50, "Number of log lines to print (logs)")
	follow := flags.Bool("follow", false, "Keep streaming the log (logs)")
	flags.Parse(args[1:])

	switch command {
	case "version":
		fmt.Printf("autoinvest %s (built %s)\n", version, buildTime)
		return exitOK
	case "help", "-h", "--help":
		usage()
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	supervisor := service.NewSupervisor(cfg, *configPath)

	switch command {
	case "run":
		return runForeground(cfg)
	case "start":
		return report(supervisor.Start())
	case "stop":
		return report(supervisor.Stop())
	case "restart":
		return report(supervisor.Restart())
	case "status":
		return report(supervisor.Status())
	case "logs":
		return report(supervisor.Logs(*lines, *follow))
	case "execute":
		return executeNow(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		usage()
		return exitFailure
	}
}

// runForeground hosts the service stack until SIGTERM/SIGINT
func runForeground(cfg *config.Config) int {
	logger, err := logging.New(cfg.Service.LogLevel, logging.FileSinkConfig{
		Path:       cfg.Service.LogFile,
		MaxSizeMB:  cfg.Service.LogMaxSizeMB,
		MaxBackups: cfg.Service.LogMaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return exitConfig
	}
	defer logger.Sync()

	logger.Info("autoinvest starting",
		zap.String("version", version),
		zap.String("environment", string(cfg.Environment)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := service.NewRunner(cfg, logger).Run(ctx); err != nil {
		logger.Error("service terminated", zap.Error(err))
		return exitFailure
	}
	return exitOK
}

// executeNow triggers a manual run through the running service
func executeNow(cfg *config.Config) int {
	client := &http.Client{Timeout: 5 * time.Minute}
	url := fmt.Sprintf("http://127.0.0.1:%d/recurring/execute", cfg.Service.Port)

	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "service not reachable on port %d: %v\n", cfg.Service.Port, err)
		return exitNotRunning
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		return exitFailure
	}

	var pretty map[string]any
	if json.Unmarshal(body, &pretty) == nil {
		formatted, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(formatted))
	} else {
		fmt.Println(string(body))
	}

	if resp.StatusCode != http.StatusOK {
		return exitFailure
	}
	return exitOK
}

// report maps supervisor errors to the documented exit codes
func report(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, service.ErrAlreadyRunning):
		fmt.Fprintln(os.Stderr, err)
		return exitAlreadyRunning
	case errors.Is(err, service.ErrNotRunning):
		fmt.Fprintln(os.Stderr, err)
		return exitNotRunning
	default:
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `autoinvest - recurring order automation

Commands:
  run       Run the service in the foreground
  start     Start the service in the background
  stop      Stop the background service
  restart   Restart the background service
  status    Show service status
  logs      Show service logs (--lines N, --follow)
  execute   Trigger an execution run through the running service
  version   Print version

Flags:
  --config path   Configuration file (default configs/autoinvest.yaml)
`)
}
