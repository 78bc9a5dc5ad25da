package services

import (
	"context"
	"sync"
	"time"

	"telemetry-agent/internal/models"
	"telemetry-agent/pkg/logging"
)

const teardownTimeout = 10 * time.Second

// SessionLifecycle drives the session state machine:
// Idle → Starting → Active → Ending → Idle.
//
// Lifecycle signals arrive from independent sources (explicit calls, the
// control API, timers), so every phase and session-id write goes through
// the single mutex. The lifecycle owns one session at a time; the
// heartbeat scheduler only reads the current id through a getter.
type SessionLifecycle struct {
	client SessionAPI
	cache  *SessionCache

	appID      string
	retryDelay time.Duration

	sleep func(ctx context.Context, d time.Duration) bool

	heartbeat *HeartbeatScheduler

	mu              sync.Mutex
	deviceID        string
	phase           models.SessionPhase
	sessionID       string
	startedAt       time.Time
	lastHeartbeatAt time.Time
	cancel          context.CancelFunc // cancels the Starting retry loop
	wg              sync.WaitGroup
}

// NewSessionLifecycle builds a lifecycle and its heartbeat scheduler.
// deviceID may be empty at construction; StartSession no-ops until it
// is set.
func NewSessionLifecycle(client SessionAPI, cache *SessionCache, appID, deviceID string,
	retryDelay, heartbeatInterval, heartbeatBackoff time.Duration, heartbeatAttempts int) *SessionLifecycle {

	l := &SessionLifecycle{
		client:     client,
		cache:      cache,
		appID:      appID,
		deviceID:   deviceID,
		retryDelay: retryDelay,
		phase:      models.SessionIdle,
		sleep:      sleepContext,
	}

	l.heartbeat = NewHeartbeatScheduler(client, l.CurrentSessionID,
		heartbeatInterval, heartbeatBackoff, heartbeatAttempts)
	l.heartbeat.SetOnBeat(l.touchHeartbeat)

	return l
}

// SetDeviceID records the resolved device identity
func (l *SessionLifecycle) SetDeviceID(deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.deviceID = deviceID
}

// CurrentSessionID returns the active session id, empty when none
func (l *SessionLifecycle) CurrentSessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.sessionID
}

// Phase returns the current lifecycle phase
func (l *SessionLifecycle) Phase() models.SessionPhase {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.phase
}

// Snapshot returns the current session state for the status API
func (l *SessionLifecycle) Snapshot() models.Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	return models.Session{
		SessionID:       l.sessionID,
		DeviceID:        l.deviceID,
		AppID:           l.appID,
		StartedAt:       l.startedAt,
		LastHeartbeatAt: l.lastHeartbeatAt,
		Phase:           l.phase,
	}
}

// StartSession moves Idle → Starting and begins remote creation.
// No-op with a warning when the device identity is not yet resolved
// (the caller retries once identity resolves), and a silent no-op when
// a session is already starting or active.
func (l *SessionLifecycle) StartSession() {
	l.mu.Lock()

	if l.deviceID == "" {
		l.mu.Unlock()
		logging.Warnf("Session start requested before device identity resolved, ignoring")
		return
	}
	if l.phase != models.SessionIdle {
		l.mu.Unlock()
		return
	}

	l.phase = models.SessionStarting
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go l.createLoop(ctx)

	l.mu.Unlock()
}

// createLoop retries remote session creation every retryDelay until it
// succeeds or the lifecycle is stopped. Creation is essential and
// upsert-based remotely, so the retry is unbounded by design.
func (l *SessionLifecycle) createLoop(ctx context.Context) {
	defer l.wg.Done()

	l.mu.Lock()
	deviceID := l.deviceID
	l.mu.Unlock()

	resumeID, err := l.cache.LoadSessionID(ctx, deviceID, l.appID)
	if err != nil {
		logging.Warnf("Failed to load cached session snapshot: %v", err)
	}

	for {
		sessionID, err := l.client.CreateOrResumeSession(ctx, deviceID, l.appID, resumeID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warnf("Session creation failed, retrying in %s: %v", l.retryDelay, err)
			if !l.sleep(ctx, l.retryDelay) {
				return
			}
			continue
		}

		l.mu.Lock()
		if l.phase != models.SessionStarting {
			// Stopped while the create call was in flight; the remote id
			// is released best-effort, stale ids are safe remotely anyway
			l.mu.Unlock()
			endCtx, cancelEnd := context.WithTimeout(context.Background(), teardownTimeout)
			_ = l.client.EndSession(endCtx, sessionID)
			cancelEnd()
			return
		}
		l.sessionID = sessionID
		l.phase = models.SessionActive
		l.startedAt = time.Now()
		l.mu.Unlock()

		if err := l.cache.StoreSession(context.Background(), deviceID, l.appID, sessionID); err != nil {
			logging.Warnf("Failed to cache session snapshot: %v", err)
		}

		l.heartbeat.Start()
		logging.Infof("Session %s active for device %s", sessionID, deviceID)
		return
	}
}

// StopSession moves any non-idle phase through Ending back to Idle.
// The heartbeat stops first, then remote teardown runs best-effort;
// teardown failure is logged only and the lifecycle still reaches Idle.
func (l *SessionLifecycle) StopSession() {
	l.mu.Lock()
	if l.phase == models.SessionIdle {
		l.mu.Unlock()
		return
	}

	l.phase = models.SessionEnding
	cancel := l.cancel
	l.cancel = nil
	sessionID := l.sessionID
	deviceID := l.deviceID
	l.sessionID = ""
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	l.heartbeat.Stop()

	if sessionID != "" {
		ctx, cancelTeardown := context.WithTimeout(context.Background(), teardownTimeout)
		if err := l.client.EndSession(ctx, sessionID); err != nil {
			logging.Warnf("Session teardown failed for %s (ignored): %v", sessionID, err)
		}
		cancelTeardown()

		if err := l.cache.ClearSession(context.Background(), deviceID, l.appID); err != nil {
			logging.Warnf("Failed to clear session snapshot: %v", err)
		}
	}

	l.mu.Lock()
	l.phase = models.SessionIdle
	l.mu.Unlock()

	logging.Infof("Session lifecycle idle")
}

// OnBackground handles the app-background signal: the schedule stops and
// one final best-effort beat goes out, but the session stays active.
func (l *SessionLifecycle) OnBackground() {
	l.mu.Lock()
	if l.phase != models.SessionActive {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.heartbeat.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.heartbeat.SendNow(ctx)

	logging.Infof("App backgrounded, heartbeat schedule paused")
}

// OnForeground handles the app-foreground signal: one immediate
// best-effort beat, then the schedule restarts.
func (l *SessionLifecycle) OnForeground() {
	l.mu.Lock()
	if l.phase != models.SessionActive {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.heartbeat.SendNow(ctx)

	// The session may have been stopped while the beat was in flight
	l.mu.Lock()
	active := l.phase == models.SessionActive
	l.mu.Unlock()
	if !active {
		return
	}

	l.heartbeat.Start()
	logging.Infof("App foregrounded, heartbeat schedule resumed")
}

// OnTerminate handles the app-termination signal
func (l *SessionLifecycle) OnTerminate() {
	l.StopSession()
}

// touchHeartbeat records a successful beat
func (l *SessionLifecycle) touchHeartbeat() {
	l.mu.Lock()
	l.lastHeartbeatAt = time.Now()
	deviceID := l.deviceID
	l.mu.Unlock()

	if err := l.cache.TouchHeartbeat(context.Background(), deviceID, l.appID); err != nil {
		logging.Warnf("Failed to touch session snapshot: %v", err)
	}
}
