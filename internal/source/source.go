package source

import (
	"context"
	"sync"

	"telemetry-agent/internal/models"
)

// Event wraps a decoded transaction event together with its acknowledgment.
// Finish must only be called after the event has been durably handled;
// unfinished events are redelivered by the entitlement replay on next start.
type Event struct {
	models.TransactionEvent

	finishOnce sync.Once
	finish     func()
}

// NewEvent wraps a transaction event with its finish callback
func NewEvent(t models.TransactionEvent, finish func()) *Event {
	return &Event{TransactionEvent: t, finish: finish}
}

// Finish acknowledges the event back to the source. Safe to call more
// than once; only the first call has effect.
func (e *Event) Finish() {
	e.finishOnce.Do(func() {
		if e.finish != nil {
			e.finish()
		}
	})
}

// TransactionSource is the purchase-event capability consumed by the
// transaction processor.
//
// CurrentEntitlements returns a one-shot replay of all currently owned
// entitlements. Updates delivers the live feed; the returned channel is
// closed once ctx is cancelled and no event is delivered after that.
type TransactionSource interface {
	CurrentEntitlements(ctx context.Context) ([]*Event, error)
	Updates(ctx context.Context) (<-chan *Event, error)
}

// SignatureVerifier validates the signed payload of an incoming
// transaction before it enters the pipeline.
type SignatureVerifier interface {
	VerifyTransaction(signedPayload string) error
}
