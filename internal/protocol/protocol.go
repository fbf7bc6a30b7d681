// Package protocol defines the websocket messages exchanged with game clients.
//
// Every frame is a JSON object carrying "type" and "protocol_version". The
// client opens with HELLO, the server answers WELCOME and then streams STATE;
// the client sends ACT for player intents. Inbound frames are checked against
// the embedded JSON Schemas before decoding.
package protocol

import "encoding/json"

const Version = "1.0"

const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeState   = "STATE"
	TypeAct     = "ACT"
	TypeError   = "ERROR"
)

// Envelope is the routing header shared by every frame.
type Envelope struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// DecodeBase reads only the envelope of raw; the rest of the frame is ignored.
func DecodeBase(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
