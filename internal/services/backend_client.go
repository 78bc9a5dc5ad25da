package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"telemetry-agent/internal/models"
	"telemetry-agent/pkg/logging"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const (
	backendTimeout = 10 * time.Second
	apiKeyHeader   = "X-API-Key"
)

// PurchaseSink receives canonical purchase records. The remote store
// carries a unique constraint on transaction_id as the last line of
// defense against double-send.
type PurchaseSink interface {
	InsertPurchase(ctx context.Context, record *models.PurchaseRecord) error
}

// SessionAPI is the remote session service: create-or-resume, liveness
// and teardown all behave as idempotent upserts on the remote side.
type SessionAPI interface {
	CreateOrResumeSession(ctx context.Context, deviceID, appID, resumeID string) (string, error)
	Heartbeat(ctx context.Context, sessionID string) error
	EndSession(ctx context.Context, sessionID string) error
}

// DeviceAPI registers the local device identity remotely
type DeviceAPI interface {
	UpsertDevice(ctx context.Context, deviceID, appID, name string) (string, error)
}

// PriceCatalog resolves product prices; lookups are best-effort
type PriceCatalog interface {
	ProductPrice(ctx context.Context, productID string) (decimal.Decimal, error)
}

// apiResponse is the backend's JSON envelope
type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BackendClient talks to the telemetry backend over HTTP
type BackendClient struct {
	httpClient *resty.Client
	baseURL    string
}

// NewBackendClient creates a backend client for the given base URL
func NewBackendClient(baseURL, apiKey string) *BackendClient {
	c := resty.New().SetTimeout(backendTimeout)
	if apiKey != "" {
		c.SetHeader(apiKeyHeader, apiKey)
	}

	return &BackendClient{
		httpClient: c,
		baseURL:    baseURL,
	}
}

// InsertPurchase submits a purchase record. A conflict status means the
// remote already stored this transaction id; that counts as success so
// the caller marks the event processed instead of retrying forever.
func (c *BackendClient) InsertPurchase(ctx context.Context, record *models.PurchaseRecord) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(record).
		Post(c.baseURL + "/api/purchases")

	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	if resp.StatusCode() == http.StatusConflict {
		logging.Infof("Backend already stored transaction %s", record.TransactionID)
		return nil
	}

	_, err = c.parseEnvelope(resp)
	return err
}

// deviceRequest registers a device identity
type deviceRequest struct {
	DeviceID string `json:"device_id"`
	AppID    string `json:"app_id"`
	Name     string `json:"name"`
}

type deviceData struct {
	DeviceUUID string `json:"device_uuid"`
}

// UpsertDevice registers the device and returns the backend-assigned UUID
func (c *BackendClient) UpsertDevice(ctx context.Context, deviceID, appID, name string) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotConfigured
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(deviceRequest{DeviceID: deviceID, AppID: appID, Name: name}).
		Post(c.baseURL + "/api/devices")

	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	envelope, err := c.parseEnvelope(resp)
	if err != nil {
		return "", err
	}

	var data deviceData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if data.DeviceUUID == "" {
		return "", fmt.Errorf("%w: missing device_uuid", ErrUnexpectedResponse)
	}

	return data.DeviceUUID, nil
}

// sessionRequest creates or resumes a session
type sessionRequest struct {
	DeviceID        string `json:"device_id"`
	AppID           string `json:"app_id"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

type sessionData struct {
	SessionID string `json:"session_id"`
	// Geo info is returned by the backend but unused by the agent
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
}

// CreateOrResumeSession creates a session (or resumes the hinted one)
// and returns the remote-assigned session id
func (c *BackendClient) CreateOrResumeSession(ctx context.Context, deviceID, appID, resumeID string) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotConfigured
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(sessionRequest{DeviceID: deviceID, AppID: appID, ResumeSessionID: resumeID}).
		Post(c.baseURL + "/api/sessions")

	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	envelope, err := c.parseEnvelope(resp)
	if err != nil {
		return "", err
	}

	var data sessionData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if data.SessionID == "" {
		return "", fmt.Errorf("%w: missing session_id", ErrUnexpectedResponse)
	}

	return data.SessionID, nil
}

// Heartbeat reports liveness for an active session
func (c *BackendClient) Heartbeat(ctx context.Context, sessionID string) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		Post(c.baseURL + "/api/sessions/" + sessionID + "/heartbeat")

	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	_, err = c.parseEnvelope(resp)
	return err
}

// EndSession tears a session down; safe with a stale or already-deleted id
func (c *BackendClient) EndSession(ctx context.Context, sessionID string) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		Delete(c.baseURL + "/api/sessions/" + sessionID)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	// Deleting an unknown session is not an error remotely
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}

	_, err = c.parseEnvelope(resp)
	return err
}

type priceData struct {
	Price string `json:"price"`
}

// ProductPrice looks up the catalog price for a product
func (c *BackendClient) ProductPrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	if c.baseURL == "" {
		return decimal.Zero, ErrNotConfigured
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		Get(c.baseURL + "/api/products/" + productID + "/price")

	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	envelope, err := c.parseEnvelope(resp)
	if err != nil {
		return decimal.Zero, err
	}

	var data priceData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}

	price, err := decimal.NewFromString(data.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad price %q", ErrUnexpectedResponse, data.Price)
	}

	return price, nil
}

// parseEnvelope maps transport-level success onto the JSON envelope.
// The body is unmarshalled directly rather than via SetResult, so a
// backend or proxy that mislabels the Content-Type cannot turn every
// successful call into a failure.
func (c *BackendClient) parseEnvelope(resp *resty.Response) (*apiResponse, error) {
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrUnexpectedResponse, resp.StatusCode())
	}

	var envelope apiResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, fmt.Errorf("%w: unparseable body: %v", ErrUnexpectedResponse, err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, envelope.Message)
	}

	return &envelope, nil
}
