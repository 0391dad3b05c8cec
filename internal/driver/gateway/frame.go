// Package gateway provides inbound record sources and the HTTP transport
// used by hibiki sessions.
package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"ex-hibiki/internal/dispatch"
)

// Gateway opcodes understood by the sources. Heartbeats and resume are not
// handled here.
const (
	opDispatch       = 0
	opIdentify       = 2
	opRequestMembers = 8
	opHello          = 10
	opHeartbeatAck   = 11
)

// frame is one gateway envelope as it appears on the socket and in replay
// files.
type frame struct {
	Op       int             `json:"op"`
	Type     string          `json:"t,omitempty"`
	Sequence int64           `json:"s,omitempty"`
	Data     json.RawMessage `json:"d,omitempty"`
}

type outboundFrame struct {
	Op   int `json:"op"`
	Data any `json:"d"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Properties identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type requestMembersData struct {
	GuildID string `json:"guild_id"`
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
}

func decodeFrame(raw []byte) (frame, error) {
	var decoded frame
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}

	return decoded, nil
}

// record converts a dispatch frame. Numbers stay json.Number so snowflakes
// sent unquoted keep full precision.
func (f frame) record() (dispatch.Record, error) {
	if f.Op != opDispatch {
		return dispatch.Record{}, fmt.Errorf("frame op %d is not a dispatch", f.Op)
	}
	if f.Type == "" {
		return dispatch.Record{}, fmt.Errorf("dispatch frame without type")
	}

	var payload map[string]any
	if len(f.Data) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(f.Data))
		decoder.UseNumber()
		if err := decoder.Decode(&payload); err != nil {
			return dispatch.Record{}, fmt.Errorf("decode %s payload: %w", f.Type, err)
		}
	}

	return dispatch.Record{
		Type:     f.Type,
		Payload:  payload,
		Sequence: f.Sequence,
	}, nil
}
