package services

import (
	"context"
	"fmt"
	"sync"

	"telemetry-agent/internal/models"
	"telemetry-agent/internal/source"
	"telemetry-agent/pkg/logging"
)

// TransactionProcessor consumes the purchase-event source and relays
// each surviving event to the backend exactly once.
//
// Two consumption paths run for the processor's lifetime: a one-shot
// replay of currently owned entitlements and the infinite live feed.
// Both feed the same pipeline, serialized by pipelineMu so the dedup
// check-then-insert is atomic across paths. An event id is marked seen
// and the source event finished only after the backend accepted the
// record; a failed send leaves the event untouched for redelivery.
type TransactionProcessor struct {
	src     source.TransactionSource
	sink    PurchaseSink
	catalog *CatalogService
	deduper *Deduper

	appID    string
	userID   string
	deviceID string

	mu      sync.Mutex // guards started/cancel
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pipelineMu sync.Mutex // serializes event handling across replay and live paths
}

// NewTransactionProcessor wires the processing pipeline
func NewTransactionProcessor(src source.TransactionSource, sink PurchaseSink, catalog *CatalogService, deduper *Deduper, appID, userID, deviceID string) *TransactionProcessor {
	return &TransactionProcessor{
		src:      src,
		sink:     sink,
		catalog:  catalog,
		deduper:  deduper,
		appID:    appID,
		userID:   userID,
		deviceID: deviceID,
	}
}

// Start launches the replay and live consumption paths. Calling Start
// on a running processor is a no-op.
func (p *TransactionProcessor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		logging.Warnf("Transaction processor already started")
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(2)
	go p.runReplay(ctx)
	go p.runLive(ctx)

	logging.Infof("Transaction processor started for app %s", p.appID)
}

// Stop cancels both consumption paths and waits for them to drain.
// Safe to call multiple times.
func (p *TransactionProcessor) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	logging.Infof("Transaction processor stopped")
}

// ManuallyReport pushes a known-good event through the pipeline,
// skipping the dedup gate but still marking it processed on success.
func (p *TransactionProcessor) ManuallyReport(ctx context.Context, ev *source.Event) error {
	return p.handleEvent(ctx, ev, true)
}

// runReplay drains the current entitlements once, recovering purchases
// that happened before this process existed or while it was stopped
func (p *TransactionProcessor) runReplay(ctx context.Context) {
	defer p.wg.Done()

	events, err := p.src.CurrentEntitlements(ctx)
	if err != nil {
		logging.Errorf("Entitlement replay failed: %v", err)
		return
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		if err := p.handleEvent(ctx, ev, false); err != nil {
			logging.Errorf("Replay processing failed for transaction %d: %v", ev.ID, err)
		}
	}
}

// runLive consumes the live update feed until cancelled
func (p *TransactionProcessor) runLive(ctx context.Context) {
	defer p.wg.Done()

	updates, err := p.src.Updates(ctx)
	if err != nil {
		logging.Errorf("Failed to subscribe to transaction updates: %v", err)
		return
	}

	for ev := range updates {
		if err := p.handleEvent(ctx, ev, false); err != nil {
			logging.Errorf("Live processing failed for transaction %d: %v", ev.ID, err)
		}
	}
}

// handleEvent runs one event through verify → dedup → build → send →
// mark → finish. force bypasses the dedup skip (manual reporting).
func (p *TransactionProcessor) handleEvent(ctx context.Context, ev *source.Event, force bool) error {
	p.pipelineMu.Lock()
	defer p.pipelineMu.Unlock()

	if !ev.SignatureValid {
		// Discarded, not marked: if the source ever redelivers it with a
		// valid signature it gets a fresh chance
		return fmt.Errorf("transaction %d: %w", ev.ID, ErrVerificationFailed)
	}

	if !force && p.deduper.Seen(ev.ID) {
		return nil
	}

	record := models.NewPurchaseRecord(p.appID, p.userID, p.deviceID, &ev.TransactionEvent)
	record.Price = p.catalog.ResolvePrice(ctx, ev.ProductID)

	if err := p.sink.InsertPurchase(ctx, record); err != nil {
		// Unmarked and unfinished: the replay path redelivers it on next start
		return fmt.Errorf("send failed for transaction %d: %w", ev.ID, err)
	}

	p.deduper.MarkSeen(ev.ID, ev.ProductID)
	ev.Finish()

	logging.Infof("Relayed purchase %s (product %s, env %s)", record.TransactionID, record.ProductID, record.Environment)
	return nil
}
