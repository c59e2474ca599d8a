package sqlmodel

import (
	"database/sql"
	"fmt"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/models/common"
	"github.com/bwmarrin/snowflake"
)

func parseSnowflakeStringToNullInt64(str string) (sql.NullInt64, error) {
	var ret sql.NullInt64
	if str != "" {
		sfID, err := snowflake.ParseString(str)
		if err != nil {
			return ret, err
		}
		_ = ret.Scan(sfID.String())
	}

	return ret, nil
}

func parseSnowflakeStringToInt64(str string) (int64, error) {
	sfID, err := snowflake.ParseString(str)
	if err != nil {
		return 0, err
	}

	return sfID.Int64(), nil
}

func parseNullInt64ToSnowflakeString(i sql.NullInt64) string {
	if !i.Valid {
		return ""
	}

	return snowflake.ParseInt64(i.Int64).String()
}

func parseInt64ToSnowflakeString(i int64) string {
	return snowflake.ParseInt64(i).String()
}

func getSQLValueFromMessageType(t common.MessageType) string {
	switch t {
	case common.EventMessage:
		return "EVENT"
	case common.BatchMessage:
		return "BATCH"
	default:
		return "ERROR"
	}
}

func getMessageTypeFromSQLValue(val string) (common.MessageType, error) {
	switch val {
	case "EVENT":
		return common.EventMessage, nil
	case "BATCH":
		return common.BatchMessage, nil
	case "ERROR":
		return common.ErrorMessage, nil
	default:
		return 0, fmt.Errorf("不正确的消息类型 '%v'", val)
	}
}
