package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// dialControl connects to a locally running agent's control surface.
func dialControl(wsPort int) (*websocket.Conn, error) {
	addr := "ws://127.0.0.1:" + strconv.Itoa(wsPort) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to agent at %s: %w (is `upload-agent start` running?)", addr, err)
	}
	return conn, nil
}

// sendCommand dials the control surface, sends one command, and returns the
// first status or error frame the agent replies with.
func sendCommand(wsPort int, action string) (map[string]interface{}, error) {
	conn, err := dialControl(wsPort)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.ReadMessage() // discard the initial config frame

	cmd := map[string]string{"action": action}
	b, _ := json.Marshal(cmd)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return nil, fmt.Errorf("send %s command: %w", action, err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("waiting for %s acknowledgement: %w", action, err)
		}
		var frame map[string]interface{}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame["type"] {
		case "status", "error":
			return frame, nil
		}
	}
}
