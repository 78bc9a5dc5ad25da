package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-agent/internal/models"
)

type fakeDeviceAPI struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *fakeDeviceAPI) UpsertDevice(ctx context.Context, deviceID, appID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", ErrSinkUnavailable
	}
	return "uuid-" + deviceID, nil
}

func (f *fakeDeviceAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// shortRegistrationRetries swaps the registration schedule for one that
// keeps tests fast, restoring it on cleanup
func shortRegistrationRetries(t *testing.T) {
	t.Helper()
	saved := registrationRetries
	registrationRetries = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { registrationRetries = saved })
}

func newTestAgent(registrar *fakeDeviceAPI, sessions *fakeSessionAPI) (*Agent, *fakeSink) {
	src := newFakeSource()
	sink := &fakeSink{}
	processor, deduper := newTestProcessor(src, sink, &fakeCatalog{})

	lifecycle := NewSessionLifecycle(sessions, nil, "com.example.app", "",
		time.Millisecond, time.Hour, time.Millisecond, 3)

	agent := NewAgent(registrar, processor, lifecycle, deduper,
		"com.example.app", "device-1", "test-host")
	return agent, sink
}

func TestAgentStartRegistersAndActivates(t *testing.T) {
	registrar := &fakeDeviceAPI{}
	sessions := &fakeSessionAPI{}
	agent, _ := newTestAgent(registrar, sessions)

	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()

	assert.Equal(t, 1, registrar.callCount())

	require.Eventually(t, func() bool {
		return agent.Status().Session.Phase == models.SessionActive
	}, time.Second, time.Millisecond)

	status := agent.Status()
	assert.True(t, status.Running)
	assert.Equal(t, "device-1", status.DeviceID)
	assert.Equal(t, "uuid-device-1", status.DeviceUUID)
	assert.Equal(t, "sess-1", status.Session.SessionID)
}

func TestAgentStartRetriesRegistration(t *testing.T) {
	shortRegistrationRetries(t)

	registrar := &fakeDeviceAPI{failures: 2}
	agent, _ := newTestAgent(registrar, &fakeSessionAPI{})

	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()

	assert.Equal(t, 3, registrar.callCount())
}

func TestAgentStartFailsAfterRetryBudget(t *testing.T) {
	shortRegistrationRetries(t)

	registrar := &fakeDeviceAPI{failures: 10}
	sessions := &fakeSessionAPI{}
	agent, _ := newTestAgent(registrar, sessions)

	err := agent.Start(context.Background())

	require.Error(t, err)
	assert.Equal(t, 4, registrar.callCount()) // initial attempt + full schedule
	assert.False(t, agent.Status().Running)
	assert.Equal(t, 0, sessions.creates())
}

func TestAgentStartIsIdempotent(t *testing.T) {
	registrar := &fakeDeviceAPI{}
	agent, _ := newTestAgent(registrar, &fakeSessionAPI{})

	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()
	require.NoError(t, agent.Start(context.Background()))

	assert.Equal(t, 1, registrar.callCount())
}

func TestAgentStopEndsSession(t *testing.T) {
	sessions := &fakeSessionAPI{}
	agent, _ := newTestAgent(&fakeDeviceAPI{}, sessions)

	require.NoError(t, agent.Start(context.Background()))
	require.Eventually(t, func() bool {
		return agent.Status().Session.Phase == models.SessionActive
	}, time.Second, time.Millisecond)

	agent.Stop()
	agent.Stop()

	status := agent.Status()
	assert.False(t, status.Running)
	assert.Equal(t, models.SessionIdle, status.Session.Phase)
	assert.Equal(t, 1, sessions.ends())
}

func TestAgentRestartCreatesNewSession(t *testing.T) {
	sessions := &fakeSessionAPI{}
	agent, _ := newTestAgent(&fakeDeviceAPI{}, sessions)

	require.NoError(t, agent.Start(context.Background()))
	require.Eventually(t, func() bool {
		return agent.Status().Session.Phase == models.SessionActive
	}, time.Second, time.Millisecond)

	require.NoError(t, agent.Restart(context.Background()))
	defer agent.Stop()

	require.Eventually(t, func() bool {
		return sessions.creates() == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, sessions.ends())
}

func TestAgentManuallyReportForcesSignatureValid(t *testing.T) {
	agent, sink := newTestAgent(&fakeDeviceAPI{}, &fakeSessionAPI{})

	err := agent.ManuallyReport(context.Background(), models.TransactionEvent{
		ID:        99,
		ProductID: "com.example.app.pro",
		// SignatureValid deliberately left false
	})

	require.NoError(t, err)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, "99", sink.last().TransactionID)
}

func TestAgentStatusCountsProcessed(t *testing.T) {
	agent, _ := newTestAgent(&fakeDeviceAPI{}, &fakeSessionAPI{})

	require.NoError(t, agent.ManuallyReport(context.Background(), validEvent(1, "a")))
	require.NoError(t, agent.ManuallyReport(context.Background(), validEvent(2, "b")))

	assert.Equal(t, 2, agent.Status().Processed)
}
