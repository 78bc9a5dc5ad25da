package database

import (
	"errors"
	"os"
	"time"

	"telemetry-agent/internal/models"
	"telemetry-agent/pkg/logging"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnsureDevice 获取或创建本地设备身份
// 设备 UUID 只在第一次启动时生成，之后保持稳定
func EnsureDevice(appID string) (*models.Device, error) {
	var device models.Device
	err := DB.Where("app_id = ?", appID).First(&device).Error
	if err == nil {
		return &device, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	name, _ := os.Hostname()
	device = models.Device{
		DeviceID: uuid.NewString(),
		AppID:    appID,
		Name:     name,
	}
	if err := DB.Create(&device).Error; err != nil {
		return nil, err
	}

	logging.Infof("Generated new device identity %s for app %s", device.DeviceID, appID)
	return &device, nil
}

// RecordProcessed 记录一条已确认入库的交易
// 交易ID 上有唯一索引，重复写入按冲突忽略处理
func RecordProcessed(transactionID uint64, productID string) error {
	record := models.ProcessedTransaction{
		TransactionID: transactionID,
		ProductID:     productID,
		ProcessedAt:   time.Now(),
	}
	return DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

// LoadProcessedIDs 读取全部已处理交易ID（启动时用于预热去重集合）
func LoadProcessedIDs() ([]uint64, error) {
	var ids []uint64
	err := DB.Model(&models.ProcessedTransaction{}).
		Order("transaction_id ASC").
		Pluck("transaction_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Journal adapts the package-level journal helpers to the processed
// journal interface the deduper consumes
type Journal struct{}

// RecordProcessed 记录一条已确认入库的交易
func (Journal) RecordProcessed(transactionID uint64, productID string) error {
	return RecordProcessed(transactionID, productID)
}

// LoadProcessedIDs 读取全部已处理交易ID
func (Journal) LoadProcessedIDs() ([]uint64, error) {
	return LoadProcessedIDs()
}
