package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var errNoServer = errors.New("no running crew server")

func pidPath() string {
	return filepath.Join(crewDir(), "crew.pid")
}

// lockPath guards against two servers sharing one data directory.
func lockPath() string {
	return filepath.Join(crewDir(), "crew.lock")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errNoServer
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile %s: %w", path, err)
	}
	return pid, nil
}

// signalRunningServer sends SIGHUP to the server recorded in the pidfile.
func signalRunningServer(path string) (int, error) {
	pid, err := readPIDFile(path)
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, errNoServer
	}
	// Signal 0 only checks that the process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, errNoServer
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, err
	}
	return pid, nil
}
