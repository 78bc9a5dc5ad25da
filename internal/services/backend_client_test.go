package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-agent/internal/models"
)

func envelope(success bool, message string, data interface{}) []byte {
	body := map[string]interface{}{"success": success, "message": message}
	if data != nil {
		body["data"] = data
	}
	b, _ := json.Marshal(body)
	return b
}

func writeEnvelope(w http.ResponseWriter, success bool, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(envelope(success, message, data))
}

func backendStub(t *testing.T, handler http.HandlerFunc) *BackendClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBackendClient(srv.URL, "test-key")
}

func testRecord() *models.PurchaseRecord {
	return models.NewPurchaseRecord("com.example.app", "user-1", "device-1", &models.TransactionEvent{
		ID:        42,
		ProductID: "com.example.app.pro",
	})
}

func TestInsertPurchaseSuccess(t *testing.T) {
	var gotPath, gotKey string
	var gotBody models.PurchaseRecord
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeEnvelope(w, true, "created", nil)
	})

	err := client.InsertPurchase(context.Background(), testRecord())

	require.NoError(t, err)
	assert.Equal(t, "/api/purchases", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "42", gotBody.TransactionID)
}

func TestInsertPurchaseConflictIsSuccess(t *testing.T) {
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write(envelope(false, "duplicate transaction_id", nil))
	})

	// 重复插入视为成功: the remote unique constraint caught a replay
	assert.NoError(t, client.InsertPurchase(context.Background(), testRecord()))
}

func TestInsertPurchaseMislabeledContentType(t *testing.T) {
	// Some proxies relabel JSON bodies as text/plain; the envelope must
	// still be read from the body
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write(envelope(true, "created", nil))
	})

	assert.NoError(t, client.InsertPurchase(context.Background(), testRecord()))
}

func TestSessionIDParsedWithoutContentType(t *testing.T) {
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		// No Content-Type header at all
		w.Write(envelope(true, "", map[string]string{"session_id": "sess-3"}))
	})

	id, err := client.CreateOrResumeSession(context.Background(), "device-1", "com.example.app", "")

	require.NoError(t, err)
	assert.Equal(t, "sess-3", id)
}

func TestInsertPurchaseEnvelopeFailure(t *testing.T) {
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, false, "validation failed", nil)
	})

	err := client.InsertPurchase(context.Background(), testRecord())

	assert.ErrorIs(t, err, ErrUnexpectedResponse)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestInsertPurchaseServerError(t *testing.T) {
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	assert.ErrorIs(t, client.InsertPurchase(context.Background(), testRecord()), ErrUnexpectedResponse)
}

func TestInsertPurchaseTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // nothing listening anymore

	client := NewBackendClient(url, "")

	assert.ErrorIs(t, client.InsertPurchase(context.Background(), testRecord()), ErrSinkUnavailable)
}

func TestBackendNotConfigured(t *testing.T) {
	client := NewBackendClient("", "")

	assert.ErrorIs(t, client.InsertPurchase(context.Background(), testRecord()), ErrNotConfigured)

	_, err := client.CreateOrResumeSession(context.Background(), "d", "a", "")
	assert.ErrorIs(t, err, ErrNotConfigured)

	assert.ErrorIs(t, client.Heartbeat(context.Background(), "s"), ErrNotConfigured)
}

func TestUpsertDeviceReturnsUUID(t *testing.T) {
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices", r.URL.Path)
		writeEnvelope(w, true, "", map[string]string{"device_uuid": "uuid-9"})
	})

	uuid, err := client.UpsertDevice(context.Background(), "device-1", "com.example.app", "host")

	require.NoError(t, err)
	assert.Equal(t, "uuid-9", uuid)
}

func TestUpsertDeviceMissingUUID(t *testing.T) {
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, true, "", map[string]string{})
	})

	_, err := client.UpsertDevice(context.Background(), "device-1", "com.example.app", "host")

	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestCreateOrResumeSessionPassesResumeHint(t *testing.T) {
	var gotBody sessionRequest
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeEnvelope(w, true, "", map[string]string{"session_id": "sess-7"})
	})

	id, err := client.CreateOrResumeSession(context.Background(), "device-1", "com.example.app", "sess-old")

	require.NoError(t, err)
	assert.Equal(t, "sess-7", id)
	assert.Equal(t, "sess-old", gotBody.ResumeSessionID)
}

func TestCreateOrResumeSessionMissingID(t *testing.T) {
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, true, "", map[string]string{})
	})

	_, err := client.CreateOrResumeSession(context.Background(), "device-1", "com.example.app", "")

	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestHeartbeatHitsSessionPath(t *testing.T) {
	var gotPath string
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeEnvelope(w, true, "", nil)
	})

	require.NoError(t, client.Heartbeat(context.Background(), "sess-7"))
	assert.Equal(t, "/api/sessions/sess-7/heartbeat", gotPath)
}

func TestEndSessionTolerates404(t *testing.T) {
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})

	assert.NoError(t, client.EndSession(context.Background(), "sess-stale"))
}

func TestProductPriceParsesDecimal(t *testing.T) {
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/products/com.example.app.pro/price", r.URL.Path)
		writeEnvelope(w, true, "", map[string]string{"price": "4.99"})
	})

	price, err := client.ProductPrice(context.Background(), "com.example.app.pro")

	require.NoError(t, err)
	assert.Equal(t, "4.99", price.String())
}

func TestProductPriceBadValue(t *testing.T) {
	client := backendStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, true, "", map[string]string{"price": "free"})
	})

	_, err := client.ProductPrice(context.Background(), "com.example.app.pro")

	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}
