// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/portico-net/portico/lib/netutil"
)

// maxSignalMessageSize caps inbound signaling frames at 64 KB. An SDP
// with candidates is a few KB; anything larger is a protocol violation
// and closes the connection (gorilla answers with 1009).
const maxSignalMessageSize = 64 * 1024

// routedTypes are the client frame types the service forwards to a
// target device. Everything else from a client is rejected with an
// error frame.
var routedTypes = map[string]bool{
	"offer":           true,
	"answer":          true,
	"ice-candidate":   true,
	"connect-request": true,
	"connect-ack":     true,
}

// receivedType maps the tunnel control types to the type the target
// sees. SDP and ICE frames keep their type; the connect handshake
// frames are renamed so a device can tell a relayed request from one
// it originated.
var receivedType = map[string]string{
	"connect-request": "connect-request-received",
	"connect-ack":     "connect-ack-received",
}

// handleSignal upgrades /signal?token=…&device_id=… into a signaling
// session. The token must verify and the device must belong to the
// token's user; either failure refuses the upgrade.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	tokenString := query.Get("token")
	deviceID := query.Get("device_id")
	if tokenString == "" || deviceID == "" {
		writeError(w, http.StatusBadRequest, "token and device_id are required")
		return
	}

	claims, err := s.tokens.Verify(tokenString)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	owned, err := s.store.DeviceOwnedBy(r.Context(), deviceID, claims.UserID)
	if err != nil {
		s.logger.Error("device ownership check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	if !owned {
		writeError(w, http.StatusForbidden, "device does not belong to this user")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("signal upgrade failed", "error", err, "device_id", deviceID)
		return
	}

	ep := NewEndpoint(deviceID, claims.UserID, conn)
	s.endpoints.Admit(ep)
	s.logger.Info("signaling session opened", "device_id", deviceID, "user_id", claims.UserID)

	defer func() {
		s.endpoints.RemoveIfSame(ep)
		conn.Close()
		s.logger.Info("signaling session closed", "device_id", deviceID)
	}()

	if err := ep.SendJSON(map[string]any{
		"type":      "connected",
		"device_id": deviceID,
		"message":   "connected to signaling",
	}); err != nil {
		return
	}

	conn.SetReadLimit(maxSignalMessageSize)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedClose(err) {
				s.logger.Warn("signal read failed", "error", err, "device_id", deviceID)
			}
			return
		}
		if messageType != websocket.TextMessage {
			// The signaling channel is JSON text only.
			ep.SendJSON(errorFrame("binary frames are not accepted on the signaling channel"))
			continue
		}
		s.routeFrame(ep, data)
	}
}

// routeFrame validates one client frame and forwards it to its target.
// Frames are handled as generic JSON objects so that payload fields the
// service does not understand travel through untouched.
func (s *Server) routeFrame(sender *Endpoint, data []byte) {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		sender.SendJSON(errorFrame("invalid JSON"))
		return
	}

	frameType, _ := frame["type"].(string)
	if frameType == "" {
		sender.SendJSON(errorFrame("missing type"))
		return
	}
	if !routedTypes[frameType] {
		sender.SendJSON(errorFrame(fmt.Sprintf("unsupported frame type %q", frameType)))
		return
	}
	targetID, _ := frame["target_device_id"].(string)
	if targetID == "" {
		sender.SendJSON(errorFrame("missing target_device_id"))
		return
	}

	target, ok := s.endpoints.Get(targetID)
	if !ok {
		sender.SendJSON(errorFrame(fmt.Sprintf("target device %s not connected", targetID)))
		return
	}
	if target.UserID != sender.UserID {
		// Cross-user routing is never allowed; the sender learns only
		// that the target is unavailable to it.
		s.logger.Warn("cross-user routing refused",
			"sender_device", sender.DeviceID,
			"target_device", targetID,
		)
		sender.SendJSON(errorFrame(fmt.Sprintf("target device %s not available", targetID)))
		return
	}

	// Rewrite: the target learns who sent the frame, not who it was
	// addressed to.
	delete(frame, "target_device_id")
	frame["sender_device_id"] = sender.DeviceID
	if renamed, ok := receivedType[frameType]; ok {
		frame["type"] = renamed
		frame["from_device_id"] = sender.DeviceID
	}
	if frameType == "connect-request" && s.relayURL != "" {
		if _, present := frame["relay_url"]; !present {
			frame["relay_url"] = s.relayURL
		}
	}

	if err := target.SendJSON(frame); err != nil {
		s.logger.Warn("delivery failed",
			"sender_device", sender.DeviceID,
			"target_device", targetID,
			"error", err,
		)
		sender.SendJSON(errorFrame(fmt.Sprintf("delivery to %s failed", targetID)))
		return
	}

	s.logger.Debug("routed frame",
		"type", frameType,
		"sender_device", sender.DeviceID,
		"target_device", targetID,
	)
	sender.SendJSON(map[string]any{
		"type":    "ack",
		"message": fmt.Sprintf("delivered to %s", targetID),
	})
}

func errorFrame(message string) map[string]any {
	return map[string]any{"type": "error", "message": message}
}
