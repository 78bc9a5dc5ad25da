package models

import (
	"time"
)

// Environment App Store 交易环境
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentXcode      Environment = "xcode"
	EnvironmentUnknown    Environment = "unknown"
)

// ParseEnvironment maps a raw environment tag onto a known value
func ParseEnvironment(raw string) Environment {
	switch raw {
	case "Production", "production":
		return EnvironmentProduction
	case "Sandbox", "sandbox":
		return EnvironmentSandbox
	case "Xcode", "xcode":
		return EnvironmentXcode
	default:
		return EnvironmentUnknown
	}
}

// OfferType 交易携带的优惠类型（与 App Store 的 offerType 编码一致）
type OfferType int

const (
	OfferNone         OfferType = 0
	OfferIntroductory OfferType = 1 // 试用期优惠
	OfferPromotional  OfferType = 2
	OfferCode         OfferType = 3
)

// TransactionEvent 外部购买事件
// 由事件源解码并验签后交给处理管线，观测之后不再修改
type TransactionEvent struct {
	ID             uint64      `json:"id"`              // 交易ID（唯一，近似单调）
	ProductID      string      `json:"product_id"`      // 产品ID
	PurchasedAt    time.Time   `json:"purchased_at"`    // 购买时间
	ExpiresAt      *time.Time  `json:"expires_at"`      // 过期时间（订阅才有）
	Environment    Environment `json:"environment"`     // 环境标签
	OfferType      OfferType   `json:"offer_type"`      // 优惠类型
	SignatureValid bool        `json:"signature_valid"` // 签名验证结果
}

// IsTrial reports whether the event represents a trial purchase.
// Only an introductory offer counts; promotional offers and offer codes
// are paid purchases, and events without offer data default to false.
func (e *TransactionEvent) IsTrial() bool {
	return e.OfferType == OfferIntroductory
}
