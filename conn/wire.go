package conn

import "encoding/json"

// messageTypeConnect tags the server's handshake message.
const messageTypeConnect = "clientConnect"

// envelope is the minimal shape peeked at to classify inbound messages.
type envelope struct {
	Type string `json:"type"`
}

// handshakeMessage is the server's first message on every connection.
//
// ResetClientID is not sent by the server; the manager fills it in before
// forwarding the handshake, so consumers can tell a resumed session from a
// fresh one.
type handshakeMessage struct {
	Type           string            `json:"type"`
	ClientID       string            `json:"clientId"`
	MissedMessages []json.RawMessage `json:"missedMessages"`
	Dup            bool              `json:"dup,omitempty"`
	ResetClientID  bool              `json:"resetClientId"`
}

// heartbeatMessage is the periodic keepalive payload. URL and DocID give
// the server-side logs enough to tie the beat to a session.
type heartbeatMessage struct {
	Beat  string `json:"beat"`
	URL   string `json:"url"`
	DocID string `json:"docId"`
}

// browserSettings is the client environment blob passed as a connection
// query parameter.
type browserSettings struct {
	Timezone string `json:"timezone"`
}
