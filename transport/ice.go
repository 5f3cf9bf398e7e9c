// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "github.com/pion/webrtc/v4"

// DefaultSTUNServers is used when a deployment configures nothing.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

// ICEConfig holds STUN/TURN configuration for peer connections.
type ICEConfig struct {
	// STUNServers lists STUN URLs ("stun:host:port").
	STUNServers []string

	// TURNServers lists TURN relays with credentials.
	TURNServers []TURNServer
}

// TURNServer is one TURN relay entry.
type TURNServer struct {
	URL      string
	Username string
	Password string
}

// servers converts the config to pion ICE server entries, falling back
// to the default STUN list when nothing is configured.
func (c ICEConfig) servers() []webrtc.ICEServer {
	stun := c.STUNServers
	if len(stun) == 0 && len(c.TURNServers) == 0 {
		stun = DefaultSTUNServers
	}
	var servers []webrtc.ICEServer
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	for _, turn := range c.TURNServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{turn.URL},
			Username:   turn.Username,
			Credential: turn.Password,
		})
	}
	return servers
}

// newPeerConnection creates a pion PeerConnection with the given ICE
// configuration. Loopback candidates are enabled so two endpoints on
// one machine (and test environments with only a loopback interface)
// can still connect directly.
func newPeerConnection(ice ICEConfig) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: ice.servers()})
}
