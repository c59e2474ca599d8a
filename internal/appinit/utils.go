package appinit

import (
	"fmt"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/chaincodectx"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/networkinfo"
	"github.com/hyperledger/fabric-sdk-go/pkg/core/config"
	"github.com/hyperledger/fabric-sdk-go/pkg/fabsdk"
	errors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SetupSDK creates a Fabric SDK instance from the specified config file.
//
// Parameters:
//   the path to the config file
//
// Returns:
//   the SDK instance. The caller closes it.
func SetupSDK(configFilePath string) (*fabsdk.FabricSDK, error) {
	configProvider := config.FromFile(configFilePath)
	sdk, err := fabsdk.New(configProvider)
	if err != nil {
		return nil, errors.Wrap(err, "初始化 Fabric SDK 失败")
	}

	return sdk, nil
}

// LoadFabricNetworkConfig parses what the event manager needs to know about the network from the SDK's connection profile.
func LoadFabricNetworkConfig(sdk *fabsdk.FabricSDK) (*networkinfo.FabricNetworkConfig, error) {
	configBackend, err := sdk.Config()
	if err != nil {
		return nil, errors.Wrap(err, "无法获取 Fabric SDK 配置")
	}

	networkConfig, err := networkinfo.ParseFabricNetworkConfig(configBackend)
	if err != nil {
		return nil, err
	}

	return &networkConfig, nil
}

// NewFabricChaincodeCtx prepares the environment event hubs are opened in for the operating identity.
//
// Parameters:
//   initialized Fabric SDK instance
//   the operating identity
//   the channels the app is expected to listen on. Channels missing from the connection profile are only warned about.
func NewFabricChaincodeCtx(sdk *fabsdk.FabricSDK, user *OperatingIdentity, channels []string) (*chaincodectx.FabricChaincodeCtx, error) {
	if sdk == nil {
		return nil, fmt.Errorf("Fabric SDK 未实例化")
	}
	if user == nil {
		return nil, fmt.Errorf("未指定用于监听事件的用户")
	}

	networkConfig, err := LoadFabricNetworkConfig(sdk)
	if err != nil {
		return nil, err
	}

	for _, channelID := range channels {
		if len(networkConfig.ChannelPeers(channelID)) == 0 {
			log.Warnf("连接配置中通道 '%v' 没有可作为事件源的节点。", channelID)
		} else {
			log.Infof("通道 '%v' 的事件源节点: %v", channelID, networkConfig.ChannelPeers(channelID))
		}
	}

	return &chaincodectx.FabricChaincodeCtx{
		OrgName:  user.OrgName,
		Username: user.UserID,
		SDK:      sdk,
		Network:  networkConfig,
	}, nil
}
