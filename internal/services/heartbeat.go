package services

import (
	"context"
	"sync"
	"time"

	"telemetry-agent/pkg/logging"
)

// HeartbeatScheduler periodically reports liveness for the current
// session while the lifecycle is active.
//
// Each tick reads the session id fresh (it changes across restarts) and
// retries a failed beat with exponential backoff (base << attempt) up to
// maxAttempts, then abandons the tick; the next tick tries again. Stop
// cancels any in-flight backoff wait immediately.
type HeartbeatScheduler struct {
	client    SessionAPI
	sessionID func() string
	onBeat    func() // invoked after each successful beat, may be nil

	interval    time.Duration
	backoffBase time.Duration
	maxAttempts int

	sleep func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHeartbeatScheduler creates a scheduler; sessionID is read fresh on
// every tick
func NewHeartbeatScheduler(client SessionAPI, sessionID func() string, interval, backoffBase time.Duration, maxAttempts int) *HeartbeatScheduler {
	return &HeartbeatScheduler{
		client:      client,
		sessionID:   sessionID,
		interval:    interval,
		backoffBase: backoffBase,
		maxAttempts: maxAttempts,
		sleep:       sleepContext,
	}
}

// SetOnBeat registers a callback fired after each successful heartbeat
func (s *HeartbeatScheduler) SetOnBeat(fn func()) {
	s.onBeat = fn
}

// Start launches the recurring schedule. No-op when already running.
func (s *HeartbeatScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop cancels the schedule, including an in-flight backoff wait.
// Safe to call multiple times.
func (s *HeartbeatScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// Running reports whether the schedule is active
func (s *HeartbeatScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// SendNow performs a single best-effort beat outside the schedule,
// used for the final beat on backgrounding and the immediate beat on
// foregrounding
func (s *HeartbeatScheduler) SendNow(ctx context.Context) error {
	sid := s.sessionID()
	if sid == "" {
		return nil
	}

	if err := s.client.Heartbeat(ctx, sid); err != nil {
		logging.Warnf("One-shot heartbeat failed for session %s: %v", sid, err)
		return err
	}

	if s.onBeat != nil {
		s.onBeat()
	}
	return nil
}

func (s *HeartbeatScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.deliver(ctx)
		}
	}
}

// deliver sends one tick's heartbeat with bounded backoff
func (s *HeartbeatScheduler) deliver(ctx context.Context) {
	sid := s.sessionID()
	if sid == "" {
		return
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := s.client.Heartbeat(ctx, sid)
		if err == nil {
			if s.onBeat != nil {
				s.onBeat()
			}
			return
		}

		delay := s.backoffBase << attempt
		logging.Warnf("Heartbeat attempt %d/%d failed for session %s, backing off %s: %v",
			attempt+1, s.maxAttempts, sid, delay, err)

		if !s.sleep(ctx, delay) {
			return
		}
	}

	logging.Errorf("Heartbeat abandoned for session %s until next tick", sid)
}

// sleepContext waits for d, returning false when ctx ends first
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
