package appinit

import (
	"fmt"
	"io/ioutil"
	"time"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr"
	errors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// ServerInfo is the Go struct for contents in server.yaml.
type ServerInfo struct {
	User           *OperatingIdentity `yaml:"user"`
	Channels       []string           `yaml:"channels"`
	Port           int                `yaml:"port"`
	LogLevel       string             `yaml:"logLevel"`
	ShowTimingLogs bool               `yaml:"showTimingLogs"`
	Subscription   *SubscriptionInfo  `yaml:"subscription"`
	Journal        *JournalInfo       `yaml:"journal"`
}

// OperatingIdentity represents the client / user that opens the event hubs.
type OperatingIdentity struct {
	OrgName string `yaml:"orgName"` // The name of the organization to which the user belongs
	UserID  string `yaml:"userID"`  // The ID of the user
}

// SubscriptionInfo tunes how subscriptions are served.
type SubscriptionInfo struct {
	BatchTimeout string `yaml:"batchTimeout"` // A Go duration string such as "2s". Defaults to `eventmgr.DefaultBatchTimeout`.
	HubSelection string `yaml:"hubSelection"` // "firstPeer" (default) or "orgPeers"
	WaitForReady *bool  `yaml:"waitForReady"` // Whether connecting blocks until the hub is ready. Defaults to true.
}

// JournalInfo tells whether and where delivered messages are journaled.
type JournalInfo struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"` // MySQL DSN, e.g. "user:pass@tcp(127.0.0.1:3306)/ccevent?charset=utf8mb4&parseTime=True&loc=Local"
}

const (
	defaultPort     = 8081
	defaultLogLevel = "info"
)

// LoadServerInfo loads the server config file (in YAML) which contains info needed to start a server. Missing optional values are filled with defaults.
//
// Parameters:
//   the path to the config file
//
// Returns:
//   the `ServerInfo` struct containing the info needed to start a server
func LoadServerInfo(configFilePath string) (ret ServerInfo, err error) {
	yamlStr, err := ioutil.ReadFile(configFilePath)
	if err != nil {
		err = errors.Wrap(err, "读取服务器配置文件失败")
		return
	}

	ret, err = ParseServerInfo(yamlStr)
	return
}

// ParseServerInfo parses the contents of server.yaml.
func ParseServerInfo(yamlBytes []byte) (ret ServerInfo, err error) {
	err = yaml.Unmarshal(yamlBytes, &ret)
	if err != nil {
		err = errors.Wrap(err, "解析 YAML 文件时出现错误")
		return
	}

	if ret.User == nil || ret.User.OrgName == "" || ret.User.UserID == "" {
		err = fmt.Errorf("未指定用于监听事件的组织名称与用户 ID")
		return
	}
	if ret.Journal != nil && ret.Journal.Enabled && ret.Journal.DSN == "" {
		err = fmt.Errorf("已启用消息记录，但未指定数据库 DSN")
		return
	}

	if ret.Port == 0 {
		ret.Port = defaultPort
	}
	if ret.LogLevel == "" {
		ret.LogLevel = defaultLogLevel
	}
	if ret.Subscription == nil {
		ret.Subscription = &SubscriptionInfo{}
	}

	return
}

// GetLogLevel parses the configured log level.
func (si *ServerInfo) GetLogLevel() (log.Level, error) {
	level, err := log.ParseLevel(si.LogLevel)
	if err != nil {
		return log.InfoLevel, errors.Wrapf(err, "无法解析日志级别 '%v'", si.LogLevel)
	}

	return level, nil
}

// IsJournalEnabled tells whether delivered messages should be journaled.
func (si *ServerInfo) IsJournalEnabled() bool {
	return si.Journal != nil && si.Journal.Enabled
}

// GetManagerOptions converts the subscription section into options of the subscription manager.
func (si *ServerInfo) GetManagerOptions() ([]eventmgr.ManagerOption, error) {
	var opts []eventmgr.ManagerOption
	if si.Subscription == nil {
		return opts, nil
	}

	if si.Subscription.BatchTimeout != "" {
		timeout, err := time.ParseDuration(si.Subscription.BatchTimeout)
		if err != nil {
			return nil, errors.Wrapf(err, "无法解析批量发送超时时间 '%v'", si.Subscription.BatchTimeout)
		}
		if timeout <= 0 {
			return nil, fmt.Errorf("批量发送超时时间必须为正数")
		}
		opts = append(opts, eventmgr.WithBatchTimeout(timeout))
	}

	if si.Subscription.HubSelection != "" {
		selection, err := eventmgr.ParseHubSelection(si.Subscription.HubSelection)
		if err != nil {
			return nil, err
		}
		opts = append(opts, eventmgr.WithHubSelection(selection))
	}

	if si.Subscription.WaitForReady != nil {
		opts = append(opts, eventmgr.WithWaitForReady(*si.Subscription.WaitForReady))
	}

	return opts, nil
}
