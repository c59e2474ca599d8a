package chaincodectx

import (
	"gitee.com/czyczk/fabric-ccevent-listener/internal/networkinfo"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/providers/context"
	"github.com/hyperledger/fabric-sdk-go/pkg/fabsdk"
)

// FabricChaincodeCtx is the environment event hubs are opened in: the operating identity, the SDK instance and what is known about the network from the connection profile.
type FabricChaincodeCtx struct {
	OrgName  string
	Username string
	SDK      *fabsdk.FabricSDK
	Network  *networkinfo.FabricNetworkConfig
}

// ChannelProvider returns the channel context of the operating identity on the channel.
func (ctx *FabricChaincodeCtx) ChannelProvider(channelID string) context.ChannelProvider {
	return ctx.SDK.ChannelContext(channelID, fabsdk.WithUser(ctx.Username), fabsdk.WithOrg(ctx.OrgName))
}
