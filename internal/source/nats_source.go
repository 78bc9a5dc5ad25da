package source

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"telemetry-agent/internal/models"
	"telemetry-agent/pkg/logging"

	"github.com/nats-io/nats.go"
)

const (
	entitlementsTimeout = 5 * time.Second
	updatesBuffer       = 64
)

// TransactionMessage is the wire envelope published by the host bridge
type TransactionMessage struct {
	SignedTransaction string `json:"signedTransaction"`
}

// EntitlementsReply is the reply to an entitlement replay request
type EntitlementsReply struct {
	SignedTransactions []string `json:"signedTransactions"`
}

// FinishMessage acknowledges a durably handled transaction back to the bridge
type FinishMessage struct {
	TransactionID uint64 `json:"transaction_id"`
}

// transactionPayload 签名交易的 JWS payload 部分
type transactionPayload struct {
	TransactionID string `json:"transactionId"`
	ProductID     string `json:"productId"`
	PurchaseDate  int64  `json:"purchaseDate"` // 毫秒时间戳
	ExpiresDate   int64  `json:"expiresDate"`  // 毫秒时间戳，可为空
	Environment   string `json:"environment"`
	OfferType     int    `json:"offerType"`
}

// NATSSource consumes signed transaction events published by the host
// bridge over NATS. The live feed arrives on iap.<app>.transactions,
// the entitlement replay is served via request/reply on
// iap.<app>.entitlements, and finish acks are published on
// iap.<app>.finished.
type NATSSource struct {
	nc       *nats.Conn
	verifier SignatureVerifier

	updatesSubject      string
	entitlementsSubject string
	finishedSubject     string
}

// NewNATSSource connects to NATS and prepares the per-app subjects
func NewNATSSource(natsURL, natsUser, natsPass, appID string, verifier SignatureVerifier) (*NATSSource, error) {
	var opts []nats.Option
	if natsUser != "" && natsPass != "" {
		opts = append(opts, nats.UserInfo(natsUser, natsPass))
	}

	opts = append(opts,
		nats.DisconnectHandler(func(nc *nats.Conn) {
			logging.Warnf("[NATS] Disconnected from %s", nc.ConnectedUrl())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Infof("[NATS] Reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Infof("[NATS] Connection closed: %v", nc.LastError())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logging.Errorf("[NATS] Error: %v", err)
		}),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2*time.Second),
	)

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
	}

	logging.Infof("Connected to NATS at %s", natsURL)

	return &NATSSource{
		nc:                  nc,
		verifier:            verifier,
		updatesSubject:      fmt.Sprintf("iap.%s.transactions", appID),
		entitlementsSubject: fmt.Sprintf("iap.%s.entitlements", appID),
		finishedSubject:     fmt.Sprintf("iap.%s.finished", appID),
	}, nil
}

// CurrentEntitlements requests the one-shot replay of currently owned
// entitlements from the host bridge
func (s *NATSSource) CurrentEntitlements(ctx context.Context) ([]*Event, error) {
	reqCtx, cancel := context.WithTimeout(ctx, entitlementsTimeout)
	defer cancel()

	msg, err := s.nc.RequestWithContext(reqCtx, s.entitlementsSubject, nil)
	if err != nil {
		return nil, fmt.Errorf("entitlements request failed: %w", err)
	}

	var reply EntitlementsReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements reply: %w", err)
	}

	events := make([]*Event, 0, len(reply.SignedTransactions))
	for _, signed := range reply.SignedTransactions {
		ev, err := s.decodeSigned(signed)
		if err != nil {
			logging.Errorf("Skipping undecodable entitlement: %v", err)
			continue
		}
		events = append(events, ev)
	}

	logging.Infof("Entitlement replay yielded %d events", len(events))
	return events, nil
}

// Updates subscribes to the live transaction feed. The returned channel
// closes after ctx is cancelled; no event is delivered past that point.
func (s *NATSSource) Updates(ctx context.Context) (<-chan *Event, error) {
	msgCh := make(chan *nats.Msg, updatesBuffer)
	sub, err := s.nc.ChanSubscribe(s.updatesSubject, msgCh)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to subject %s: %w", s.updatesSubject, err)
	}

	logging.Infof("Subscribed to NATS subject: %s", s.updatesSubject)

	out := make(chan *Event, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				if err := sub.Unsubscribe(); err != nil {
					logging.Errorf("Error unsubscribing from NATS: %v", err)
				}
				return
			case msg := <-msgCh:
				var wire TransactionMessage
				if err := json.Unmarshal(msg.Data, &wire); err != nil {
					logging.Errorf("Error parsing transaction message: %v", err)
					continue
				}
				ev, err := s.decodeSigned(wire.SignedTransaction)
				if err != nil {
					logging.Errorf("Error decoding signed transaction: %v", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					if err := sub.Unsubscribe(); err != nil {
						logging.Errorf("Error unsubscribing from NATS: %v", err)
					}
					return
				}
			}
		}
	}()

	return out, nil
}

// Close closes the NATS connection
func (s *NATSSource) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

// decodeSigned decodes a signed transaction payload into an event and
// attaches the finish ack. The signature check result is recorded on the
// event rather than failing the decode; the processor decides what to do
// with an invalid signature.
func (s *NATSSource) decodeSigned(signed string) (*Event, error) {
	payload, err := decodePayload(signed)
	if err != nil {
		return nil, err
	}

	id, err := strconv.ParseUint(payload.TransactionID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction id %q: %w", payload.TransactionID, err)
	}

	event := models.TransactionEvent{
		ID:          id,
		ProductID:   payload.ProductID,
		PurchasedAt: time.UnixMilli(payload.PurchaseDate),
		Environment: models.ParseEnvironment(payload.Environment),
		OfferType:   models.OfferType(payload.OfferType),
	}
	if payload.ExpiresDate > 0 {
		expires := time.UnixMilli(payload.ExpiresDate)
		event.ExpiresAt = &expires
	}

	if s.verifier != nil {
		if err := s.verifier.VerifyTransaction(signed); err != nil {
			logging.Errorf("Signature verification failed for transaction %d: %v", id, err)
			event.SignatureValid = false
		} else {
			event.SignatureValid = true
		}
	} else {
		// 未配置验证器时按可信处理（仅用于本地开发）
		event.SignatureValid = true
	}

	finish := func() {
		ack, err := json.Marshal(FinishMessage{TransactionID: id})
		if err != nil {
			return
		}
		if err := s.nc.Publish(s.finishedSubject, ack); err != nil {
			logging.Errorf("Failed to publish finish ack for transaction %d: %v", id, err)
		}
	}

	return NewEvent(event, finish), nil
}

// decodePayload 解析 JWS 三段式结构中的 payload 部分
func decodePayload(signed string) (*transactionPayload, error) {
	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid JWS format: expected 3 parts, got %d", len(parts))
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWS payload: %w", err)
	}

	var payload transactionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction payload: %w", err)
	}

	return &payload, nil
}
