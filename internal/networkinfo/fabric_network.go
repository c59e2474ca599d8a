package networkinfo

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hyperledger/fabric-sdk-go/pkg/common/providers/core"
	"github.com/hyperledger/fabric-sdk-go/pkg/fab"
	"github.com/pkg/errors"
)

// FabricNetworkConfig contains config info about the network which is needed to open event hubs.
type FabricNetworkConfig struct {
	Channels      map[string]FabricChannel
	Organizations map[string]FabricOrganization
	Peers         map[string]FabricPeer
}

// FabricChannel contains the peers of a channel that may serve events.
type FabricChannel struct {
	Name  string
	Peers []string // Sorted by name
}

// FabricOrganization contains info about an organization which is needed by a client.
type FabricOrganization struct {
	Name  string
	MSPID string
	Peers []string
}

// FabricPeer contains info about a peer which is needed by a client.
type FabricPeer struct {
	Name string
	URL  string
}

// fabricChannelConfig mirrors the parts of a "channels" entry in the connection profile that matter here.
type fabricChannelConfig struct {
	Peers map[string]struct {
		EventSource *bool `json:"eventSource"`
	} `json:"peers"`
}

// lookupSection looks up a section of the config backend and decodes it into `out` through JSON.
func lookupSection(configBackend core.ConfigBackend, key string, out interface{}) error {
	section, ok := configBackend.Lookup(key)
	if !ok {
		return fmt.Errorf("error parsing %v", key)
	}

	sectionBytes, err := json.Marshal(section)
	if err != nil {
		return errors.Wrapf(err, "error encoding %v", key)
	}

	if err = json.Unmarshal(sectionBytes, out); err != nil {
		return errors.Wrapf(err, "error decoding %v", key)
	}

	return nil
}

// ParseFabricChannels parses the "channels" section of the config from the config backend instance provided and returns a map of FabricChannel instances. Peers that are explicitly not event sources are left out.
func ParseFabricChannels(configBackend core.ConfigBackend) (result map[string]FabricChannel, err error) {
	channelsMap := make(map[string]fabricChannelConfig)
	if err = lookupSection(configBackend, "channels", &channelsMap); err != nil {
		return
	}

	result = make(map[string]FabricChannel)
	for k, v := range channelsMap {
		peers := make([]string, 0, len(v.Peers))
		for peerName, peerConfig := range v.Peers {
			if peerConfig.EventSource != nil && !*peerConfig.EventSource {
				continue
			}
			peers = append(peers, peerName)
		}
		sort.Strings(peers)

		result[k] = FabricChannel{Name: k, Peers: peers}
	}

	return
}

// ParseFabricOrganizations parses the "organizations" section of the config from the config backend instance provided and returns a map of FabricOrganization instances.
func ParseFabricOrganizations(configBackend core.ConfigBackend) (result map[string]FabricOrganization, err error) {
	organizationsMap := make(map[string]fab.OrganizationConfig)
	if err = lookupSection(configBackend, "organizations", &organizationsMap); err != nil {
		return
	}

	result = make(map[string]FabricOrganization)
	for k, v := range organizationsMap {
		result[k] = FabricOrganization{
			Name:  k,
			MSPID: v.MSPID,
			Peers: v.Peers,
		}
	}

	return
}

// ParseFabricPeers parses the "peers" section of the config from the config backend instance provided and returns a map of FabricPeer instances.
func ParseFabricPeers(configBackend core.ConfigBackend) (result map[string]FabricPeer, err error) {
	peersMap := make(map[string]fab.PeerConfig)
	if err = lookupSection(configBackend, "peers", &peersMap); err != nil {
		return
	}

	result = make(map[string]FabricPeer)
	for k, v := range peersMap {
		result[k] = FabricPeer{
			Name: k,
			URL:  v.URL,
		}
	}

	return
}

// ParseFabricNetworkConfig parses multiple sections of the SDK config from the config backend instance provided.
func ParseFabricNetworkConfig(configBackend core.ConfigBackend) (result FabricNetworkConfig, err error) {
	channels, err := ParseFabricChannels(configBackend)
	if err != nil {
		return
	}

	organizations, err := ParseFabricOrganizations(configBackend)
	if err != nil {
		return
	}

	peers, err := ParseFabricPeers(configBackend)
	if err != nil {
		return
	}

	result = FabricNetworkConfig{Channels: channels, Organizations: organizations, Peers: peers}
	return
}

// ChannelPeers returns the event-source peers of the channel in stable (name) order.
func (c *FabricNetworkConfig) ChannelPeers(channelID string) []string {
	for name, channel := range c.Channels {
		if strings.EqualFold(name, channelID) {
			ret := make([]string, len(channel.Peers))
			copy(ret, channel.Peers)
			return ret
		}
	}

	return nil
}

// OrgChannelPeers returns the event-source peers of the channel that belong to the organization, in the channel's order.
func (c *FabricNetworkConfig) OrgChannelPeers(channelID, orgName string) []string {
	var org *FabricOrganization
	for name, o := range c.Organizations {
		if strings.EqualFold(name, orgName) {
			o := o
			org = &o
			break
		}
	}
	if org == nil {
		return nil
	}

	var ret []string
	for _, peerName := range c.ChannelPeers(channelID) {
		for _, orgPeer := range org.Peers {
			if strings.EqualFold(peerName, orgPeer) {
				ret = append(ret, peerName)
				break
			}
		}
	}

	return ret
}

// HasPeer tells whether a peer with the name is defined in the "peers" section.
func (c *FabricNetworkConfig) HasPeer(peerName string) bool {
	for name := range c.Peers {
		if strings.EqualFold(name, peerName) {
			return true
		}
	}

	return false
}

// PeerURL returns the URL of the peer or an empty string if the peer is unknown.
func (c *FabricNetworkConfig) PeerURL(peerName string) string {
	for name, peer := range c.Peers {
		if strings.EqualFold(name, peerName) {
			return peer.URL
		}
	}

	return ""
}
