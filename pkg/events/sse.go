package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SSEMessage is one encoded Server-Sent Events frame. The ID is the
// emitter's global sequence number, not the stream offset.
type SSEMessage struct {
	ID    uint64
	Event Type
	Data  []byte
}

// NewSSEMessage serializes an event into an SSE frame with the given
// sequence number.
func NewSSEMessage(e Event, sequence uint64) (SSEMessage, error) {
	data, err := json.Marshal(e.WirePayload(sequence))
	if err != nil {
		return SSEMessage{}, fmt.Errorf("marshal %s event payload: %w", e.Type, err)
	}
	return SSEMessage{ID: sequence, Event: e.Type, Data: data}, nil
}

// Encode renders the frame in wire format:
//
//	id: <sequence>\n
//	event: <type>\n
//	data: <json>\n
//	\n
//
// Multi-line data is split across consecutive "data:" lines per the SSE
// specification.
func (m SSEMessage) Encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", m.ID)
	fmt.Fprintf(&b, "event: %s\n", m.Event)
	for _, line := range strings.Split(string(m.Data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// EncodeHeartbeat renders the liveness frame: a comment line carrying the
// timestamp, followed by an empty data line. Heartbeats carry no id and
// do not consume sequence numbers.
func EncodeHeartbeat(t time.Time) string {
	return ": heartbeat " + t.UTC().Format(time.RFC3339) + "\ndata: \n\n"
}
