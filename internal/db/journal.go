package db

import (
	"gitee.com/czyczk/fabric-ccevent-listener/internal/models/common"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/models/sqlmodel"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/utils/idutils"
	"gitee.com/czyczk/fabric-ccevent-listener/pkg/errorcode"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// OpenJournalDB 打开用于记录订阅消息的 MySQL 数据库，并迁移 chaincode_event_records 表。
func OpenJournalDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "无法连接消息记录数据库")
	}

	if err = db.AutoMigrate(&sqlmodel.ChaincodeEventRecord{}); err != nil {
		return nil, errors.Wrap(err, "无法迁移消息记录表")
	}

	return db, nil
}

// SaveMessageToLocalDB 将 `common.Message` 对象保存到指定的数据库中。批量消息的所有事件在同一个交易中写入。
func SaveMessageToLocalDB(message *common.Message, db *gorm.DB) error {
	records, err := sqlmodel.NewChaincodeEventRecordsFromMessage(message, idutils.GenerateSnowflakeId)
	if err != nil {
		return err
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		// 写入或覆盖于 chaincode_event_records 表
		dbResult := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(records)
		if dbResult.Error != nil {
			return errors.Wrap(dbResult.Error, "无法将订阅消息存入数据库")
		}

		return nil
	})

	return err
}

// ListRecordsBySubscriptionFromLocalDB 从数据库中按时间顺序读取指定订阅的消息记录。
func ListRecordsBySubscriptionFromLocalDB(subscriptionID string, db *gorm.DB) ([]*sqlmodel.ChaincodeEventRecord, error) {
	var records []*sqlmodel.ChaincodeEventRecord
	dbResult := db.Where("subscription_id = ?", subscriptionID).Order("time_received, batch_index").Find(&records)
	if dbResult.Error != nil {
		return nil, errors.Wrap(dbResult.Error, "无法从数据库中获取订阅消息记录")
	}

	if len(records) == 0 {
		return nil, errorcode.ErrorNotFound
	}

	return records, nil
}
