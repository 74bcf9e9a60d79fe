package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"
)

// notifySystemd sends a sd_notify state such as "READY=1". It is a no-op
// outside a systemd unit.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}
	// Abstract namespace sockets are announced with a leading '@'.
	if socketPath[0] == '@' {
		socketPath = "\x00" + socketPath[1:]
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		slog.Warn("Failed to connect to notify socket", "error", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		slog.Warn("Failed to notify systemd", "error", err)
	}
}

// watchdogInterval returns half of WATCHDOG_USEC, or zero when the watchdog
// is not enabled for this process.
func watchdogInterval() (time.Duration, error) {
	value := os.Getenv("WATCHDOG_USEC")
	if value == "" {
		return 0, nil
	}
	if pid := os.Getenv("WATCHDOG_PID"); pid != "" && pid != strconv.Itoa(os.Getpid()) {
		return 0, nil
	}
	usec, err := strconv.ParseInt(value, 10, 64)
	if err != nil || usec <= 0 {
		return 0, fmt.Errorf("invalid WATCHDOG_USEC %q", value)
	}
	return time.Duration(usec) * time.Microsecond / 2, nil
}

// watchdogLoop pings the systemd watchdog until ctx is done.
func watchdogLoop(ctx context.Context) error {
	interval, err := watchdogInterval()
	if err != nil {
		slog.Warn("Watchdog disabled", "error", err)
		return nil
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			notifySystemd("WATCHDOG=1")
		}
	}
}
