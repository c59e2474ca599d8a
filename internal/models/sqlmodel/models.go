package sqlmodel

import (
	"database/sql"
	"time"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/models/common"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ChaincodeEventRecord 定义了数据库表 chaincode_event_records，用于记录交给所有者的每一条订阅消息。
// 一个批量消息中的每个事件各占一行，共用同一个 BatchID；空的批量消息占一行，不含事件内容。
type ChaincodeEventRecord struct {
	gorm.Model
	ID             int64
	OwnerID        int64         `gorm:"not null;index"`
	SubscriptionID sql.NullInt64 `gorm:"index"`
	MessageType    string        `gorm:"type:ENUM('EVENT', 'BATCH', 'ERROR') NOT NULL"`
	BatchID        sql.NullInt64
	BatchIndex     int
	BatchSize      int
	ChaincodeID    string `gorm:"type:VARCHAR(255)"`
	EventName      string `gorm:"type:VARCHAR(255)"`
	BlockNumber    uint64
	TransactionID  string `gorm:"type:VARCHAR(255)"`
	Status         string `gorm:"type:VARCHAR(64)"`
	Payload        []byte
	ErrorCode      string    `gorm:"type:VARCHAR(64)"`
	ErrorMessage   string    `gorm:"type:TEXT"`
	TimeReceived   time.Time `gorm:"not null"`
}

// 自定义 ChaincodeEventRecord 的表名。
func (ChaincodeEventRecord) TableName() string {
	return "chaincode_event_records"
}

// HasPayload 表示该记录是否包含一个事件。
func (r *ChaincodeEventRecord) HasPayload() bool {
	return r.MessageType == getSQLValueFromMessageType(common.EventMessage) ||
		(r.MessageType == getSQLValueFromMessageType(common.BatchMessage) && r.BatchSize > 0)
}

// ToPayload 将记录中的事件部分转为 `eventmgr.Payload` 对象。不含事件的记录返回 nil。
func (r *ChaincodeEventRecord) ToPayload() *eventmgr.Payload {
	if !r.HasPayload() {
		return nil
	}

	return &eventmgr.Payload{
		Payload:       string(r.Payload),
		BlockNumber:   r.BlockNumber,
		TransactionID: r.TransactionID,
		Status:        r.Status,
		EventName:     r.EventName,
		ChaincodeID:   r.ChaincodeID,
	}
}

// GetMessageType 返回记录对应的消息类型。
func (r *ChaincodeEventRecord) GetMessageType() (common.MessageType, error) {
	return getMessageTypeFromSQLValue(r.MessageType)
}

// GetOwnerID 返回 snowflake 字符串形式的所有者 ID。
func (r *ChaincodeEventRecord) GetOwnerID() string {
	return parseInt64ToSnowflakeString(r.OwnerID)
}

// GetSubscriptionID 返回 snowflake 字符串形式的订阅 ID，若没有则返回空字符串。
func (r *ChaincodeEventRecord) GetSubscriptionID() string {
	return parseNullInt64ToSnowflakeString(r.SubscriptionID)
}

// NewChaincodeEventRecordsFromMessage 通过 `common.Message` 对象创建要写入数据库的记录。
//
// 参数：
//
//	订阅消息
//	用于生成记录 ID 的函数
//
// 返回：
//
//	数据库记录。批量消息每个事件一条，空的批量消息一条。
func NewChaincodeEventRecordsFromMessage(message *common.Message, generateID func() (string, error)) ([]*ChaincodeEventRecord, error) {
	errMsg := "无法转换订阅消息为数据库对象"

	ownerID, err := parseSnowflakeStringToInt64(message.OwnerID)
	if err != nil {
		return nil, errors.Wrapf(err, errMsg+": ownerID: %v", message.OwnerID)
	}

	subscriptionID, err := parseSnowflakeStringToNullInt64(message.SubscriptionID)
	if err != nil {
		return nil, errors.Wrapf(err, errMsg+": subscriptionID: %v", message.SubscriptionID)
	}

	newRecord := func() (*ChaincodeEventRecord, error) {
		idStr, err := generateID()
		if err != nil {
			return nil, errors.Wrap(err, errMsg)
		}
		id, err := parseSnowflakeStringToInt64(idStr)
		if err != nil {
			return nil, errors.Wrapf(err, errMsg+": id: %v", idStr)
		}

		return &ChaincodeEventRecord{
			ID:             id,
			OwnerID:        ownerID,
			SubscriptionID: subscriptionID,
			MessageType:    getSQLValueFromMessageType(message.Type),
			TimeReceived:   message.TimeReceived,
		}, nil
	}

	switch message.Type {
	case common.EventMessage:
		record, err := newRecord()
		if err != nil {
			return nil, err
		}
		fillPayload(record, message.Event)
		return []*ChaincodeEventRecord{record}, nil
	case common.BatchMessage:
		batchIDStr, err := generateID()
		if err != nil {
			return nil, errors.Wrap(err, errMsg)
		}
		batchID, err := parseSnowflakeStringToNullInt64(batchIDStr)
		if err != nil {
			return nil, errors.Wrapf(err, errMsg+": batchID: %v", batchIDStr)
		}

		if len(message.Batch) == 0 {
			record, err := newRecord()
			if err != nil {
				return nil, err
			}
			record.BatchID = batchID
			return []*ChaincodeEventRecord{record}, nil
		}

		ret := make([]*ChaincodeEventRecord, 0, len(message.Batch))
		for i, payload := range message.Batch {
			record, err := newRecord()
			if err != nil {
				return nil, err
			}
			record.BatchID = batchID
			record.BatchIndex = i
			record.BatchSize = len(message.Batch)
			fillPayload(record, payload)
			ret = append(ret, record)
		}
		return ret, nil
	default:
		record, err := newRecord()
		if err != nil {
			return nil, err
		}
		if message.Error != nil {
			record.ErrorCode = message.Error.Code
			record.ErrorMessage = message.Error.Message
		}
		return []*ChaincodeEventRecord{record}, nil
	}
}

func fillPayload(record *ChaincodeEventRecord, payload *eventmgr.Payload) {
	if payload == nil {
		return
	}

	record.ChaincodeID = payload.ChaincodeID
	record.EventName = payload.EventName
	record.BlockNumber = payload.BlockNumber
	record.TransactionID = payload.TransactionID
	record.Status = payload.Status
	record.Payload = []byte(payload.Payload)
}

// ToModel 将一个 `sqlmodel.ChaincodeEventRecord` 对象转为 `common.JournalEntry` 对象。
func (r *ChaincodeEventRecord) ToModel() (*common.JournalEntry, error) {
	messageType, err := r.GetMessageType()
	if err != nil {
		return nil, err
	}

	ret := &common.JournalEntry{
		ID:             parseInt64ToSnowflakeString(r.ID),
		OwnerID:        r.GetOwnerID(),
		SubscriptionID: r.GetSubscriptionID(),
		Type:           messageType.String(),
		BatchID:        parseNullInt64ToSnowflakeString(r.BatchID),
		BatchIndex:     r.BatchIndex,
		BatchSize:      r.BatchSize,
		Event:          r.ToPayload(),
		TimeReceived:   r.TimeReceived,
	}
	if messageType == common.ErrorMessage {
		ret.Error = &common.ErrorInfo{
			Code:    r.ErrorCode,
			Message: r.ErrorMessage,
		}
	}

	return ret, nil
}
