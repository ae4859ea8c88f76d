// Package daemon backgrounds the agent process: re-exec the same binary
// with "run" and a config path, detach it, and track it by PID file.
// Alongside process liveness it also tracks the backgrounded agent's
// control-connection state, written to a small status file by the
// running process and read back by Status so "daemon status" reports
// whether the agent is actually registered with a server rather than
// just whether its process is alive.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/bifrost-project/bifrost/agent/internal/config"
)

func PIDPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bifrost-agent.pid"
	}
	return filepath.Join(home, ".bifrost", "agent.pid")
}

// StatusPath is the JSON file the running agent updates on every
// connect, disconnect, and registration-rejected transition.
func StatusPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bifrost-agent.status.json"
	}
	return filepath.Join(home, ".bifrost", "agent.status.json")
}

// ConnectionState is the agent's last-known control-connection status,
// persisted so it survives being read from a separate "daemon status"
// invocation.
type ConnectionState struct {
	Connected  bool      `json:"connected"`
	BackendID  string    `json:"backendId,omitempty"`
	ServerHost string    `json:"serverHost"`
	ServerPort int       `json:"serverPort"`
	LastError  string    `json:"lastError,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// WriteConnectionState persists the agent's current connection state.
// Failures are non-fatal to the caller: a missing status file just makes
// Status fall back to reporting process liveness alone.
func WriteConnectionState(state ConnectionState) error {
	state.UpdatedAt = time.Now()
	path := StatusPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func readConnectionState() (ConnectionState, error) {
	var state ConnectionState
	data, err := os.ReadFile(StatusPath())
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, err
	}
	return state, nil
}

func Start(configPath string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(configPath) == "" {
		configPath = config.DefaultPath()
	}
	cmd := exec.Command(exe, "run", "--config", configPath)
	cmd.Stdout = nil
	cmd.Stderr = nil
	setDetached(cmd)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	if err := writePID(cmd.Process.Pid); err != nil {
		return cmd.Process.Pid, err
	}
	return cmd.Process.Pid, nil
}

func Stop() error {
	pid, err := readPID()
	if err != nil {
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := stopProcess(process); err != nil {
		return err
	}
	_ = os.Remove(PIDPath())
	return nil
}

func Status() (bool, string, error) {
	pid, err := readPID()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, "not running", nil
		}
		return false, "", err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, "not running", nil
	}
	if runtime.GOOS != "windows" {
		if err := probeProcess(process); err != nil {
			return false, "not running", nil
		}
	}
	return true, fmt.Sprintf("pid %d, %s", pid, connectionSummary()), nil
}

// connectionSummary describes the running agent's last-known connection
// state, falling back to a generic message if no status file has been
// written yet (e.g. the daemon just started and hasn't dialed out).
func connectionSummary() string {
	state, err := readConnectionState()
	if err != nil {
		return "connection state unknown"
	}
	if state.Connected {
		if state.BackendID != "" {
			return fmt.Sprintf("connected to %s:%d as backend %s", state.ServerHost, state.ServerPort, state.BackendID)
		}
		return fmt.Sprintf("connected to %s:%d", state.ServerHost, state.ServerPort)
	}
	if state.LastError != "" {
		return fmt.Sprintf("not connected: %s", state.LastError)
	}
	return "not connected"
}

func writePID(pid int) error {
	path := PIDPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600)
}

func readPID() (int, error) {
	contents, err := os.ReadFile(PIDPath())
	if err != nil {
		return 0, err
	}
	trimmed := strings.TrimSpace(string(contents))
	if trimmed == "" {
		return 0, fmt.Errorf("pid file empty")
	}
	return strconv.Atoi(trimmed)
}
