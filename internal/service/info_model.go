package service

import (
	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr"
	"gorm.io/gorm"
)

// Info needed for a service to know which event manager it's subscribing through and where delivered messages are journaled.
type Info struct {
	Manager *eventmgr.Manager
	DB      *gorm.DB // Messages are not journaled if nil
}
