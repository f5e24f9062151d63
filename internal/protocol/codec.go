package protocol

import (
	"encoding/json"
	"fmt"

	"marketfabric.io/core/internal/domain"
)

// Decode parses a raw client frame into an Envelope with Data left as a
// json.RawMessage for the caller to decode against a concrete request type.
func Decode(raw []byte) (*Envelope, error) {
	var wire struct {
		ProtocolVersion string          `json:"protocolVersion"`
		Type            string          `json:"type"`
		RequestID       string          `json:"requestId"`
		Timestamp       int64           `json:"timestamp"`
		Data            json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return &Envelope{
		ProtocolVersion: wire.ProtocolVersion,
		Type:            wire.Type,
		RequestID:       wire.RequestID,
		Timestamp:       wire.Timestamp,
		Data:            wire.Data,
	}, nil
}

// DecodeData unmarshals the envelope's raw Data into v.
func (e *Envelope) DecodeData(v interface{}) error {
	raw, ok := e.Data.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Encode marshals an Envelope for transmission, stamping the protocol
// version and current time the way the teacher's handlers stamp outbound
// frames just before writing them to the socket.
func Encode(e Envelope, nowMillis int64) ([]byte, error) {
	e.ProtocolVersion = Version
	e.Timestamp = nowMillis
	return json.Marshal(e)
}

func ACK(requestID string, nowMillis int64) Envelope {
	return Envelope{Type: TypeACK, RequestID: requestID, Data: struct{}{}, Timestamp: nowMillis, ProtocolVersion: Version}
}

func Error(requestID string, code domain.ErrorCode, message string) Envelope {
	return Envelope{
		Type:      TypeError,
		RequestID: requestID,
		Data:      ErrorData{ErrorCode: string(code), ErrorMessage: message},
	}
}

func Data(msgType, requestID string, data interface{}) Envelope {
	return Envelope{Type: msgType, RequestID: requestID, Data: data}
}

// Update builds an UPDATE envelope. A json.RawMessage content is decoded and
// re-keyed from the internal snake_case storage form to camelCase for the
// wire; any other content value is passed through unchanged.
func Update(subscriptionKey string, content interface{}) Envelope {
	if raw, ok := content.(json.RawMessage); ok {
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err == nil {
			content = MapKeysToCamel(generic)
		}
	}
	return Envelope{
		Type: TypeUpdate,
		Data: UpdateData{SubscriptionKey: subscriptionKey, Content: content},
	}
}
