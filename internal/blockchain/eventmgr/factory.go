package eventmgr

import (
	"fmt"
	"strings"

	"gitee.com/czyczk/fabric-ccevent-listener/pkg/errorcode"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// HubSelection is the policy used to pick peers when a subscription names none.
type HubSelection string

const (
	// HubSelectionFirstPeer picks the first peer of the channel in the network client's order.
	HubSelectionFirstPeer HubSelection = "firstPeer"
	// HubSelectionOrgPeers opens one hub on every peer the caller's organization runs on the channel. Events are not deduplicated across peers.
	HubSelectionOrgPeers HubSelection = "orgPeers"
)

// ParseHubSelection parses a policy name. An empty name means `HubSelectionFirstPeer`.
func ParseHubSelection(s string) (HubSelection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "firstpeer", "first":
		return HubSelectionFirstPeer, nil
	case "orgpeers", "org":
		return HubSelectionOrgPeers, nil
	default:
		return "", fmt.Errorf("未知的事件中心选择策略 '%v'", s)
	}
}

// HubFactory creates event hubs for owners. Every hub it creates is brand new and is registered under its owner before it's returned, so no hub is ever observable without being tracked for cleanup.
type HubFactory struct {
	client    INetworkClient
	registry  *OwnerRegistry
	selection HubSelection
}

func NewHubFactory(client INetworkClient, registry *OwnerRegistry, selection HubSelection) *HubFactory {
	if selection == "" {
		selection = HubSelectionFirstPeer
	}

	return &HubFactory{
		client:    client,
		registry:  registry,
		selection: selection,
	}
}

// ObtainHubs creates the hubs a subscription needs.
//
// Parameters:
//   channel ID
//   the owner of the hubs
//   the peer name (empty to let the selection policy decide)
//
// Returns:
//   one hub if a peer name is given or the policy is `HubSelectionFirstPeer`, otherwise one hub per org peer
func (f *HubFactory) ObtainHubs(channelID, ownerID, peerName string) ([]*EventHub, error) {
	peerNames, err := f.resolvePeers(channelID, peerName)
	if err != nil {
		return nil, err
	}

	hubs := make([]*EventHub, 0, len(peerNames))
	for _, name := range peerNames {
		hub, err := f.newHub(channelID, ownerID, name)
		if err != nil {
			for _, created := range hubs {
				f.registry.DisconnectOne(ownerID, created)
			}
			return nil, err
		}
		hubs = append(hubs, hub)
	}

	return hubs, nil
}

func (f *HubFactory) resolvePeers(channelID, peerName string) ([]string, error) {
	if peerName != "" {
		return []string{peerName}, nil
	}

	switch f.selection {
	case HubSelectionOrgPeers:
		peers, err := f.client.GetChannelPeersForOrg(channelID)
		if err != nil {
			return nil, errors.Wrapf(err, "无法获取通道 '%v' 上本组织的节点", channelID)
		}
		if len(peers) == 0 {
			return nil, errors.Wrapf(errorcode.ErrorNoPeerAvailable, "通道 '%v' 上没有本组织的节点", channelID)
		}
		return peers, nil
	default:
		peers, err := f.client.GetChannelPeers(channelID)
		if err != nil {
			return nil, errors.Wrapf(err, "无法获取通道 '%v' 上的节点", channelID)
		}
		if len(peers) == 0 {
			return nil, errors.Wrapf(errorcode.ErrorNoPeerAvailable, "通道 '%v' 上没有可用节点", channelID)
		}
		return peers[:1], nil
	}
}

func (f *HubFactory) newHub(channelID, ownerID, peerName string) (*EventHub, error) {
	transport, err := f.client.NewChannelEventHub(channelID, peerName)
	if err != nil {
		return nil, errors.Wrapf(err, "无法为节点 '%v' 创建事件中心", peerName)
	}

	hub := newEventHub(ownerID, channelID, transport)
	f.registry.Add(ownerID, hub)
	log.Debugf("已在通道 '%v' 上为所有者 %v 创建节点 '%v' 的事件中心 %v。", channelID, ownerID, peerName, hub.ID())

	return hub, nil
}
