// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package systemd enables applications to signal readiness and update watchdog
// timestamp to systemd.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.astrophena.name/statusrelay/internal/logger"
)

// State defines a sd-notify protocol state.
// See https://www.freedesktop.org/software/systemd/man/sd_notify.html.
type State string

const (
	// Ready tells the service manager that service startup is
	// finished, or the service finished loading its configuration.
	Ready State = "READY=1"
	// Stopping tells the service manager that the service is beginning its
	// shutdown.
	Stopping State = "STOPPING=1"
	// Watchdog tells the service manager to update the watchdog timestamp.
	Watchdog State = "WATCHDOG=1"
)

// Notifier talks to the service manager. The zero value is not usable; use
// [New].
type Notifier struct {
	socket   string
	watchdog string
}

// New returns a Notifier configured from the NOTIFY_SOCKET and WATCHDOG_USEC
// variables read through getenv.
func New(getenv func(string) string) *Notifier {
	return &Notifier{
		socket:   getenv("NOTIFY_SOCKET"),
		watchdog: getenv("WATCHDOG_USEC"),
	}
}

// Enabled reports whether the process runs under systemd with notify
// support.
func (n *Notifier) Enabled() bool { return n.socket != "" }

// Notify sends state to systemd. Failures are logged, not returned: the
// service keeps working without a service manager.
func (n *Notifier) Notify(ctx context.Context, state State) {
	if !n.Enabled() {
		return
	}
	log := logger.Get(ctx)

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Net: "unixgram", Name: n.socket})
	if err != nil {
		log.Warn("systemd notify failed", "state", string(state), "err", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		log.Warn("systemd notify failed", "state", string(state), "err", err)
	}
}

// WatchdogLoop periodically updates the systemd watchdog timestamp until ctx
// is canceled. It returns immediately when no watchdog is configured.
func (n *Notifier) WatchdogLoop(ctx context.Context) {
	if n.watchdog == "" || !n.Enabled() {
		return
	}

	interval, err := n.watchdogInterval()
	if err != nil {
		logger.Get(ctx).Error("systemd watchdog disabled", "err", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.Notify(ctx, Watchdog)
		case <-ctx.Done():
			return
		}
	}
}

// watchdogInterval is half of WATCHDOG_USEC, as sd_watchdog_enabled(3)
// recommends.
func (n *Notifier) watchdogInterval() (time.Duration, error) {
	usec, err := strconv.Atoi(n.watchdog)
	if err != nil {
		return 0, fmt.Errorf("systemd: parsing WATCHDOG_USEC: %w", err)
	}
	if usec <= 0 {
		return 0, errors.New("systemd: WATCHDOG_USEC must be a positive number")
	}
	return time.Duration(usec) * time.Microsecond / 2, nil
}
