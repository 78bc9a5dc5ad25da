package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessionAPI struct {
	mu sync.Mutex

	createCalls    int
	createFailures int
	sessionID      string

	heartbeatCalls    int
	heartbeatFailures int
	heartbeatGate     chan struct{} // when set, beats block until the gate closes

	endCalls    int
	endFailures int
}

func (f *fakeSessionAPI) CreateOrResumeSession(ctx context.Context, deviceID, appID, resumeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createFailures > 0 {
		f.createFailures--
		return "", ErrSinkUnavailable
	}
	if f.sessionID == "" {
		f.sessionID = "sess-1"
	}
	return f.sessionID, nil
}

func (f *fakeSessionAPI) Heartbeat(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.heartbeatCalls++
	gate := f.heartbeatGate
	fail := false
	if f.heartbeatFailures > 0 {
		f.heartbeatFailures--
		fail = true
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return ErrSinkUnavailable
	}
	return nil
}

func (f *fakeSessionAPI) setHeartbeatGate(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeatGate = ch
}

func (f *fakeSessionAPI) EndSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
	if f.endFailures > 0 {
		f.endFailures--
		return ErrSinkUnavailable
	}
	return nil
}

func (f *fakeSessionAPI) heartbeats() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeatCalls
}

func (f *fakeSessionAPI) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *fakeSessionAPI) ends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endCalls
}

const testBackoffBase = 10 * time.Millisecond

func newTestScheduler(api *fakeSessionAPI) (*HeartbeatScheduler, *[]time.Duration) {
	s := NewHeartbeatScheduler(api, func() string { return "sess-1" },
		time.Hour, testBackoffBase, 3)

	delays := &[]time.Duration{}
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		*delays = append(*delays, d)
		return true
	}
	return s, delays
}

func TestHeartbeatBackoffDelays(t *testing.T) {
	api := &fakeSessionAPI{heartbeatFailures: 10} // every attempt fails
	s, delays := newTestScheduler(api)

	// Must not panic out of the scheduler
	s.deliver(context.Background())

	assert.Equal(t, 3, api.heartbeats())
	require.Len(t, *delays, 3)
	assert.Equal(t, 1*testBackoffBase, (*delays)[0])
	assert.Equal(t, 2*testBackoffBase, (*delays)[1])
	assert.Equal(t, 4*testBackoffBase, (*delays)[2])
}

func TestHeartbeatSuccessSkipsBackoff(t *testing.T) {
	api := &fakeSessionAPI{}
	s, delays := newTestScheduler(api)

	beats := 0
	s.SetOnBeat(func() { beats++ })

	s.deliver(context.Background())

	assert.Equal(t, 1, api.heartbeats())
	assert.Empty(t, *delays)
	assert.Equal(t, 1, beats)
}

func TestHeartbeatRecoversWithinTick(t *testing.T) {
	api := &fakeSessionAPI{heartbeatFailures: 2}
	s, delays := newTestScheduler(api)

	s.deliver(context.Background())

	// Two failures, then the third attempt lands
	assert.Equal(t, 3, api.heartbeats())
	assert.Len(t, *delays, 2)
}

func TestHeartbeatNoSessionNoCall(t *testing.T) {
	api := &fakeSessionAPI{}
	s := NewHeartbeatScheduler(api, func() string { return "" }, time.Hour, testBackoffBase, 3)

	s.deliver(context.Background())
	require.NoError(t, s.SendNow(context.Background()))

	assert.Equal(t, 0, api.heartbeats())
}

func TestHeartbeatStopCancelsBackoffWait(t *testing.T) {
	api := &fakeSessionAPI{heartbeatFailures: 10}
	s := NewHeartbeatScheduler(api, func() string { return "sess-1" },
		5*time.Millisecond, time.Hour, 3) // backoff far longer than the test

	s.Start()
	assert.True(t, s.Running())

	// Wait for the first tick to fail and park in backoff
	require.Eventually(t, func() bool { return api.heartbeats() >= 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop() // must return promptly despite the hour-long backoff
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the in-flight backoff wait")
	}
	assert.False(t, s.Running())
}

func TestHeartbeatStartIsIdempotent(t *testing.T) {
	api := &fakeSessionAPI{}
	s := NewHeartbeatScheduler(api, func() string { return "sess-1" },
		5*time.Millisecond, testBackoffBase, 3)

	s.Start()
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return api.heartbeats() >= 2 }, time.Second, time.Millisecond)
}
