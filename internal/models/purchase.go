package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseRecord 上报给远端的规范化购买记录
// 每个存活下来的 TransactionEvent 只生成一次，发送管线独占所有权直到确认
type PurchaseRecord struct {
	AppID         string          `json:"app_id"`
	UserID        string          `json:"user_id,omitempty"`
	DeviceID      string          `json:"device_id,omitempty"`
	ProductID     string          `json:"product_id"`
	TransactionID string          `json:"transaction_id"`
	PurchasedAt   time.Time       `json:"purchased_at"`
	Environment   Environment     `json:"environment"`
	Price         decimal.Decimal `json:"price"` // 价格未解析时为 0
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	Trial         bool            `json:"trial"`
}

// NewPurchaseRecord builds the canonical record for a transaction event.
// Price starts at zero; the caller fills it in when catalog lookup succeeds.
func NewPurchaseRecord(appID, userID, deviceID string, event *TransactionEvent) *PurchaseRecord {
	return &PurchaseRecord{
		AppID:         appID,
		UserID:        userID,
		DeviceID:      deviceID,
		ProductID:     event.ProductID,
		TransactionID: strconv.FormatUint(event.ID, 10),
		PurchasedAt:   event.PurchasedAt,
		Environment:   event.Environment,
		Price:         decimal.Zero,
		ExpiresAt:     event.ExpiresAt,
		Trial:         event.IsTrial(),
	}
}
