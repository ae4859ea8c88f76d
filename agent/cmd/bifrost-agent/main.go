// Command bifrost-agent is the backend-side process: it dials the
// server's control port, registers with an api key, and relays bytes for
// every request the server hands it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/bifrost-project/bifrost/agent/internal/config"
	"github.com/bifrost-project/bifrost/agent/internal/controlloop"
	"github.com/bifrost-project/bifrost/agent/internal/daemon"
	"github.com/bifrost-project/bifrost/agent/internal/util"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bifrost-agent (%s) %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return
	}

	switch args[0] {
	case "run":
		runAgent(args[1:])
	case "daemon":
		runDaemon(args[1:])
	case "init":
		runInit(args[1:])
	default:
		printUsage()
	}
}

func runAgent(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", getenv("BIFROST_CONFIG", ""), "config file path")
	serverHost := fs.String("server-host", getenv("SERVER_HOST", ""), "bifrost server host")
	serverPort := fs.Int("server-port", getenvInt("SERVER_PORT", 9041), "bifrost server control port")
	apiKey := fs.String("api-key", getenv("API_KEY", ""), "backend api key")
	fs.Parse(args)

	cfg := loadOrBuildConfig(*configPath, *serverHost, *serverPort, *apiKey)
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid config: %v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("bifrost-agent %s", version))
	pterm.Println()
	util.LogInfo("connecting to %s:%d", cfg.ServerHost, cfg.ServerPort)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loop := controlloop.New(controlloop.Config{
		ServerHost:        cfg.ServerHost,
		ServerPort:        cfg.ServerPort,
		APIKey:            cfg.APIKey,
		ReconnectInterval: cfg.ReconnectInterval,
		OnStateChange: func(connected bool, backendID string, stateErr error) {
			state := daemon.ConnectionState{
				Connected:  connected,
				BackendID:  backendID,
				ServerHost: cfg.ServerHost,
				ServerPort: cfg.ServerPort,
			}
			if stateErr != nil {
				state.LastError = stateErr.Error()
			}
			if err := daemon.WriteConnectionState(state); err != nil {
				util.LogWarning("failed to persist connection state: %v", err)
			}
		},
	})

	err := loop.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		util.LogInfo("shutting down")
		return
	}
	if errors.Is(err, controlloop.ErrUnauthorized) {
		util.LogError("server rejected the configured api key")
		os.Exit(1)
	}
	util.LogError("agent stopped: %v", err)
	os.Exit(1)
}

func runDaemon(args []string) {
	if len(args) == 0 {
		fmt.Println("daemon commands: start | stop | status")
		return
	}
	switch args[0] {
	case "start":
		runDaemonStart(args[1:])
	case "stop":
		runDaemonStop()
	case "status":
		runDaemonStatus()
	default:
		fmt.Println("daemon commands: start | stop | status")
	}
}

func runDaemonStart(args []string) {
	fs := flag.NewFlagSet("daemon start", flag.ExitOnError)
	configPath := fs.String("config", getenv("BIFROST_CONFIG", ""), "config file path")
	fs.Parse(args)

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = config.DefaultPath()
	}
	loaded, err := config.Load(path)
	if err != nil {
		util.LogError("config load failed: %v", err)
		os.Exit(1)
	}
	if err := loaded.Validate(); err != nil {
		util.LogError("config invalid: %v", err)
		os.Exit(1)
	}

	pid, err := daemon.Start(path)
	if err != nil {
		util.LogError("daemon start failed: %v", err)
		os.Exit(1)
	}
	util.LogSuccess("agent daemon started pid=%d", pid)
}

func runDaemonStop() {
	if err := daemon.Stop(); err != nil {
		util.LogError("daemon stop failed: %v", err)
		os.Exit(1)
	}
	util.LogSuccess("agent daemon stopped")
}

func runDaemonStatus() {
	running, message, err := daemon.Status()
	if err != nil {
		util.LogError("daemon status failed: %v", err)
		os.Exit(1)
	}
	if running {
		util.LogInfo("agent daemon running (%s)", message)
	} else {
		util.LogWarning("agent daemon not running")
	}
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", getenv("BIFROST_CONFIG", ""), "config file path")
	serverHost := fs.String("server-host", getenv("SERVER_HOST", ""), "bifrost server host")
	serverPort := fs.Int("server-port", getenvInt("SERVER_PORT", 9041), "bifrost server control port")
	fs.Parse(args)

	var apiKey string
	if fs.NArg() > 0 {
		apiKey = fs.Arg(0)
	}
	if strings.TrimSpace(apiKey) == "" {
		util.LogError("api key argument required")
		os.Exit(1)
	}
	if strings.TrimSpace(*serverHost) == "" {
		util.LogError("server-host flag required")
		os.Exit(1)
	}

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = config.DefaultPath()
	}

	cfg := config.Config{ServerHost: *serverHost, ServerPort: *serverPort, APIKey: apiKey}
	if err := config.Save(path, cfg); err != nil {
		util.LogError("config save failed: %v", err)
		os.Exit(1)
	}
	util.LogSuccess("config saved to %s", path)
}

func loadOrBuildConfig(path, serverHost string, serverPort int, apiKey string) config.Config {
	if strings.TrimSpace(path) == "" {
		path = getenv("BIFROST_CONFIG", "")
	}
	if strings.TrimSpace(path) == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.Config{}
	}
	if strings.TrimSpace(serverHost) != "" {
		cfg.ServerHost = serverHost
	}
	if serverPort != 0 {
		cfg.ServerPort = serverPort
	}
	if strings.TrimSpace(apiKey) != "" {
		cfg.APIKey = apiKey
	}
	return cfg
}

func printUsage() {
	fmt.Println("bifrost-agent commands:")
	fmt.Println("  run --server-host <host> --server-port 9041 --api-key <key>")
	fmt.Println("  daemon start|stop|status [--config /path/to/agent.json]")
	fmt.Println("  init --server-host <host> [--server-port 9041] [--config /path/to/agent.json] <api-key>")
}

func getenv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
