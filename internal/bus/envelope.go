package bus

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Envelope is the wire format for every bus message
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope wraps a payload in the bus wire format
func NewEnvelope(eventType string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("error marshaling payload: %w", err)
	}
	return Envelope{
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// DecodeEnvelope parses an inbound bus message. Some Redis client libraries
// deliver strings as an object whose keys are consecutive index strings and
// whose values are single characters ({"0":"{","1":"\"",...}); when that shape
// is detected the characters are reassembled into the original string and
// parsed again.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if reassembled, ok := reassembleCharArray(data); ok {
		data = reassembled
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("error decoding envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// reassembleCharArray detects the character-map quirk and rebuilds the string.
// The keys must be exactly "0".."n-1" and every value a single character.
func reassembleCharArray(data []byte) ([]byte, bool) {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil || len(m) == 0 {
		return nil, false
	}

	indices := make([]int, 0, len(m))
	for k, v := range m {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 {
			return nil, false
		}
		if len([]rune(v)) != 1 {
			return nil, false
		}
		indices = append(indices, idx)
	}

	sort.Ints(indices)
	for i, idx := range indices {
		if idx != i {
			return nil, false
		}
	}

	var b strings.Builder
	for i := 0; i < len(indices); i++ {
		b.WriteString(m[strconv.Itoa(i)])
	}
	return []byte(b.String()), true
}

// DecodePayload unmarshals the envelope payload into dest
func (e Envelope) DecodePayload(dest interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope has no payload")
	}
	if err := json.Unmarshal(e.Payload, dest); err != nil {
		return fmt.Errorf("error decoding %s payload: %w", e.Type, err)
	}
	return nil
}
