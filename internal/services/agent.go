package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telemetry-agent/internal/models"
	"telemetry-agent/internal/source"
	"telemetry-agent/pkg/logging"
)

// registrationRetries is the fixed retry schedule for remote device
// registration
var registrationRetries = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}

// AgentStatus is the snapshot exposed by the control API
type AgentStatus struct {
	Running    bool           `json:"running"`
	StartedAt  time.Time      `json:"started_at"`
	DeviceID   string         `json:"device_id"`
	DeviceUUID string         `json:"device_uuid"`
	AppID      string         `json:"app_id"`
	Session    models.Session `json:"session"`
	Processed  int            `json:"processed_transactions"`
}

// Agent is the composition root's service object: it registers the
// device identity remotely, then runs the transaction processor and the
// session lifecycle together. Lifecycle signals from the host are
// forwarded to the session state machine.
type Agent struct {
	registrar DeviceAPI
	processor *TransactionProcessor
	lifecycle *SessionLifecycle
	deduper   *Deduper

	appID      string
	deviceID   string
	deviceName string

	mu         sync.Mutex
	started    bool
	startedAt  time.Time
	deviceUUID string
}

// NewAgent wires the orchestrator
func NewAgent(registrar DeviceAPI, processor *TransactionProcessor, lifecycle *SessionLifecycle,
	deduper *Deduper, appID, deviceID, deviceName string) *Agent {
	return &Agent{
		registrar:  registrar,
		processor:  processor,
		lifecycle:  lifecycle,
		deduper:    deduper,
		appID:      appID,
		deviceID:   deviceID,
		deviceName: deviceName,
	}
}

// Start registers the device remotely, then starts transaction
// processing and the session lifecycle. Idempotent while running.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.startedAt = time.Now()
	a.mu.Unlock()

	deviceUUID, err := a.registerDevice(ctx)
	if err != nil {
		a.mu.Lock()
		a.started = false
		a.mu.Unlock()
		return fmt.Errorf("device registration failed: %w", err)
	}

	a.mu.Lock()
	a.deviceUUID = deviceUUID
	a.mu.Unlock()

	a.lifecycle.SetDeviceID(a.deviceID)
	a.processor.Start()
	a.lifecycle.StartSession()

	logging.Infof("Agent started: device %s registered as %s", a.deviceID, deviceUUID)
	return nil
}

// registerDevice upserts the device identity with a fixed retry schedule
func (a *Agent) registerDevice(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= len(registrationRetries); attempt++ {
		deviceUUID, err := a.registrar.UpsertDevice(ctx, a.deviceID, a.appID, a.deviceName)
		if err == nil {
			return deviceUUID, nil
		}
		lastErr = err

		if attempt < len(registrationRetries) {
			delay := registrationRetries[attempt]
			logging.Warnf("Device registration attempt %d failed, retrying in %s: %v", attempt+1, delay, err)
			if !sleepContext(ctx, delay) {
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

// Stop ends the session and stops processing. Idempotent.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	a.mu.Unlock()

	a.lifecycle.StopSession()
	a.processor.Stop()

	logging.Infof("Agent stopped")
}

// Restart stops and starts the agent again
func (a *Agent) Restart(ctx context.Context) error {
	a.Stop()
	return a.Start(ctx)
}

// OnBackground forwards the host's background signal
func (a *Agent) OnBackground() {
	a.lifecycle.OnBackground()
}

// OnForeground forwards the host's foreground signal
func (a *Agent) OnForeground() {
	a.lifecycle.OnForeground()
}

// OnTerminate forwards the host's termination signal
func (a *Agent) OnTerminate() {
	a.lifecycle.OnTerminate()
}

// ManuallyReport pushes a caller-asserted, known-good event through the
// pipeline, bypassing the dedup skip
func (a *Agent) ManuallyReport(ctx context.Context, event models.TransactionEvent) error {
	event.SignatureValid = true
	return a.processor.ManuallyReport(ctx, source.NewEvent(event, nil))
}

// Status returns a snapshot for the control API
func (a *Agent) Status() AgentStatus {
	a.mu.Lock()
	running := a.started
	startedAt := a.startedAt
	deviceUUID := a.deviceUUID
	a.mu.Unlock()

	return AgentStatus{
		Running:    running,
		StartedAt:  startedAt,
		DeviceID:   a.deviceID,
		DeviceUUID: deviceUUID,
		AppID:      a.appID,
		Session:    a.lifecycle.Snapshot(),
		Processed:  a.deduper.Size(),
	}
}
