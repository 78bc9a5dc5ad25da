package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel provides common fields for all database models
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}

// Device 本地设备身份
// 每个 agent 实例只保存一行，设备 UUID 在首次启动时生成并持久化
type Device struct {
	BaseModel

	DeviceID string `json:"device_id" gorm:"not null;size:36;uniqueIndex"` // 设备 UUID
	AppID    string `json:"app_id" gorm:"not null;index"`                  // 宿主应用ID
	Name     string `json:"name" gorm:"size:100"`                         // 设备名称（主机名）
}

// TableName 指定表名
func (Device) TableName() string {
	return "devices"
}

// ProcessedTransaction 已处理交易流水
// 只有在远端确认入库之后才会写入，用于跨进程重启抑制重复上报
type ProcessedTransaction struct {
	BaseModel

	TransactionID uint64    `json:"transaction_id" gorm:"not null;uniqueIndex"` // 交易ID
	ProductID     string    `json:"product_id" gorm:"size:100"`                 // 产品ID
	ProcessedAt   time.Time `json:"processed_at"`                               // 确认时间
}

// TableName 指定表名
func (ProcessedTransaction) TableName() string {
	return "processed_transactions"
}
