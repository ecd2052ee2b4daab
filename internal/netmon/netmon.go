// Package netmon provides the connectivity-status signal: a boolean online
// state with change notifications, driven by a periodic reachability probe.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor exposes connectivity state to the sync subsystem.
type Monitor interface {
	// Online reports the last observed connectivity state.
	Online() bool
	// Subscribe returns a channel receiving the new state on every
	// transition. The channel is buffered; a slow consumer misses
	// intermediate flips but always sees the latest state eventually.
	Subscribe() <-chan bool
}

// ProbeMonitor determines connectivity by polling an HTTP endpoint,
// typically the sync server's health check.
type ProbeMonitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	subs   []chan bool
}

// NewProbeMonitor creates a monitor polling probeURL every interval.
// The initial state is offline until the first successful probe.
func NewProbeMonitor(probeURL string, interval time.Duration, logger *slog.Logger) *ProbeMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ProbeMonitor{
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Online implements Monitor.
func (m *ProbeMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe implements Monitor.
func (m *ProbeMonitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Run probes until ctx is cancelled. Probes immediately on start.
func (m *ProbeMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		m.setOnline(false)
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.setOnline(false)
		return
	}
	resp.Body.Close()
	// Any HTTP response means the network path is up.
	m.setOnline(true)
}

func (m *ProbeMonitor) setOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	subs := m.subs
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("connectivity changed", "online", online)
	for _, ch := range subs {
		select {
		case ch <- online:
		default:
			// Drop the stale value so the latest state wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}

// Static is a fixed-state monitor for tests and wired setups.
type Static struct {
	mu     sync.Mutex
	online bool
	subs   []chan bool
}

// NewStatic creates a Static monitor in the given state.
func NewStatic(online bool) *Static {
	return &Static{online: online}
}

// Online implements Monitor.
func (s *Static) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Subscribe implements Monitor.
func (s *Static) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// SetOnline flips the state and notifies subscribers on transitions.
func (s *Static) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	subs := s.subs
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}
