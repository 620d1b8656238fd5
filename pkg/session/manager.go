// Package session implements the stream manager: the set of Streams the
// gateway owns for process lifetime, RTSP-request-to-Stream routing, and
// the liveness sweep that reaps dead clients. An RWMutex-guarded
// collection plus a cooperative sweep goroutine; Streams are created
// once at enumeration and only ever toggle Idle/Active.
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/satpi/satpi-go/pkg/satperr"
	"github.com/satpi/satpi-go/pkg/stream"
)

// SessionTimeout is how long a StreamClient may go without activity
// before the sweeper reaps it.
const SessionTimeout = 60 * time.Second

// SweepInterval is how often the liveness sweep runs.
const SweepInterval = 5 * time.Second

// Request is the subset of a parsed RTSP request stream routing needs.
type Request struct {
	ClientAddr string
	SessionID  string // "" if the request carried no Session: header
}

// Manager owns every Stream for the process lifetime.
type Manager struct {
	mu      sync.RWMutex
	streams []*stream.Stream
	byAddr  map[string]int // client address -> stream index, for policy (2)

	log *logger.Logger
}

// New constructs a Manager over an already-enumerated slice of Streams
// (EnumerateDevices populates this slice at startup).
func New(streams []*stream.Stream, log *logger.Logger) *Manager {
	return &Manager{streams: streams, byAddr: make(map[string]int), log: log}
}

// Streams returns the full Stream set, in stream-id order.
func (m *Manager) Streams() []*stream.Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*stream.Stream, len(m.streams))
	copy(out, m.streams)
	return out
}

// FindStreamFor implements the stream matching policy:
// (1) reuse by live session id, (2) reuse by client address owning a
// live Stream, (3) else the first Stream with no active client.
func (m *Manager) FindStreamFor(req Request) (s *stream.Stream, isNew bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.SessionID != "" {
		for _, s := range m.streams {
			if c := s.Client(); c != nil && c.SessionID == req.SessionID {
				return s, false, nil
			}
		}
	}

	if idx, ok := m.byAddr[req.ClientAddr]; ok && idx < len(m.streams) {
		if c := m.streams[idx].Client(); c != nil {
			return m.streams[idx], false, nil
		}
	}

	for i, s := range m.streams {
		if !s.Active() {
			m.byAddr[req.ClientAddr] = i
			return s, true, nil
		}
	}

	return nil, false, satperr.New(satperr.ClassExhausted, "find_stream", satperr.ErrNoFreeTuner)
}

// FindBySession returns the Stream whose live client holds sessionID,
// or nil if no such session exists (the 454 path).
func (m *Manager) FindBySession(sessionID string) *stream.Stream {
	if sessionID == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.streams {
		if c := s.Client(); c != nil && c.SessionID == sessionID {
			return s
		}
	}
	return nil
}

// NewSessionID generates a random 12-digit numeric session id.
func NewSessionID() (string, error) {
	max := big.NewInt(1_000_000_000_000) // 10^12
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return fmt.Sprintf("%012d", n.Int64()), nil
}

// RunSweeper runs the liveness sweep on SweepInterval until ctx is
// cancelled.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one liveness pass: any client flagged self-destruct or
// idle past SessionTimeout is reaped and its Stream returned to Idle.
func (m *Manager) Sweep() {
	m.mu.RLock()
	streams := make([]*stream.Stream, len(m.streams))
	copy(streams, m.streams)
	m.mu.RUnlock()

	for _, s := range streams {
		c := s.Client()
		if c == nil {
			continue
		}
		if c.SelfDestructing() || c.Idle() > SessionTimeout {
			m.log.DebugSession("reaping idle stream client", "stream", s.ID, "session", c.SessionID)
			s.Stop()
		}
	}
}
