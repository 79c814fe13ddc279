package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ProcessAlive reports whether pid exists. A process owned by another user
// still counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// ReadPIDFile returns the PID stored at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// Running returns the PID of a live server recorded at pidPath. A stale PID
// file is removed.
func Running(pidPath string) (int, bool) {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return 0, false
	}
	if !ProcessAlive(pid) {
		_ = os.Remove(pidPath)
		return pid, false
	}
	return pid, true
}

// Stop sends SIGTERM to the server recorded at pidPath.
func Stop(pidPath string) (int, error) {
	return signalServer(pidPath, unix.SIGTERM)
}

// Reload sends SIGHUP to the server recorded at pidPath, which reloads its
// config and rules.
func Reload(pidPath string) (int, error) {
	return signalServer(pidPath, unix.SIGHUP)
}

func signalServer(pidPath string, sig unix.Signal) (int, error) {
	pid, ok := Running(pidPath)
	if !ok {
		return pid, errors.New("not running")
	}
	if err := unix.Kill(pid, sig); err != nil {
		return pid, fmt.Errorf("signal %d: %w", pid, err)
	}
	return pid, nil
}
