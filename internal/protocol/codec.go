package protocol

import "encoding/json"

// Version is the wire protocol version advertised in the welcome frame.
const Version = "1.0.0"

// Request is a correlated client message. ID is opaque to the server:
// any JSON number, echoed verbatim in the response and never invented or
// uniqueness-checked server-side. Payload holds every top-level field
// other than id and type, undecoded.
type Request struct {
	ID      float64
	Type    string
	Payload map[string]json.RawMessage
}

// Pong is the client's answer to a server ping frame.
type Pong struct {
	Timestamp float64
}

// DecodeError reports a frame that failed envelope validation. ID is the
// client id when it was present and a well-formed number, else 0.
type DecodeError struct {
	ID      float64
	Code    Code
	Message string
}

// Decode parses a single inbound text frame. Exactly one of the three
// returns is non-nil. Validation order: JSON decode, object root, the
// pong shortcut (type before id), then id before type for requests.
func Decode(data []byte) (*Request, *Pong, *DecodeError) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, nil, &DecodeError{Code: CodeParseError, Message: "invalid JSON"}
	}
	if root == nil {
		// "null" decodes into a nil map without error
		return nil, nil, &DecodeError{Code: CodeParseError, Message: "expected a JSON object"}
	}

	// Pong shortcut: type is inspected before id only for this case.
	if raw, ok := root["type"]; ok {
		var typ string
		if json.Unmarshal(raw, &typ) == nil && typ == "pong" {
			rawTS, ok := root["timestamp"]
			var ts float64
			if !ok || json.Unmarshal(rawTS, &ts) != nil {
				return nil, nil, &DecodeError{ID: numericID(root), Code: CodeInvalidRequest, Message: "pong requires a numeric timestamp"}
			}
			return nil, &Pong{Timestamp: ts}, nil
		}
	}

	rawID, ok := root["id"]
	var id float64
	if !ok || json.Unmarshal(rawID, &id) != nil {
		return nil, nil, &DecodeError{Code: CodeInvalidRequest, Message: "missing or non-numeric id"}
	}

	rawType, ok := root["type"]
	var typ string
	if !ok || json.Unmarshal(rawType, &typ) != nil || typ == "" {
		return nil, nil, &DecodeError{ID: id, Code: CodeInvalidRequest, Message: "missing or empty type"}
	}

	payload := make(map[string]json.RawMessage, len(root))
	for k, v := range root {
		if k == "id" || k == "type" {
			continue
		}
		payload[k] = v
	}
	return &Request{ID: id, Type: typ, Payload: payload}, nil, nil
}

// numericID extracts a well-formed numeric id for error echoing, 0 otherwise.
func numericID(root map[string]json.RawMessage) float64 {
	raw, ok := root["id"]
	if !ok {
		return 0
	}
	var id float64
	if json.Unmarshal(raw, &id) != nil {
		return 0
	}
	return id
}

type resultFrame struct {
	ID   float64 `json:"id"`
	Type string  `json:"type"`
	Data any     `json:"data"`
}

type errorFrame struct {
	ID      float64 `json:"id"`
	Type    string  `json:"type"`
	Code    Code    `json:"code"`
	Message string  `json:"message"`
	Details any     `json:"details,omitempty"`
}

type pushFrame struct {
	Type           string `json:"type"`
	Channel        string `json:"channel"`
	SubscriptionID string `json:"subscriptionId"`
	Data           any    `json:"data"`
}

type welcomeFrame struct {
	Type         string `json:"type"`
	Version      string `json:"version"`
	ServerTime   int64  `json:"serverTime"`
	RequiresAuth bool   `json:"requiresAuth"`
}

type pingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type systemFrame struct {
	Type          string `json:"type"`
	Event         string `json:"event"`
	GracePeriodMs int64  `json:"gracePeriodMs"`
}

// EncodeResult serializes a result response. Data may be any JSON value
// including null.
func EncodeResult(id float64, data any) ([]byte, error) {
	return json.Marshal(resultFrame{ID: id, Type: "result", Data: data})
}

// EncodeError serializes an error response. Details are stripped unless
// exposeDetails is set.
func EncodeError(id float64, e *Error, exposeDetails bool) ([]byte, error) {
	f := errorFrame{ID: id, Type: "error", Code: e.Code, Message: e.Message}
	if exposeDetails {
		f.Details = e.Details
	}
	return json.Marshal(f)
}

// EncodePush serializes a server-initiated push for one subscription.
func EncodePush(channel, subscriptionID string, data any) ([]byte, error) {
	return json.Marshal(pushFrame{Type: "push", Channel: channel, SubscriptionID: subscriptionID, Data: data})
}

// EncodeWelcome serializes the post-upgrade welcome frame.
func EncodeWelcome(serverTime int64, requiresAuth bool) ([]byte, error) {
	return json.Marshal(welcomeFrame{Type: "welcome", Version: Version, ServerTime: serverTime, RequiresAuth: requiresAuth})
}

// EncodePing serializes a heartbeat ping carrying the send timestamp.
func EncodePing(timestamp int64) ([]byte, error) {
	return json.Marshal(pingFrame{Type: "ping", Timestamp: timestamp})
}

// EncodeShutdown serializes the system shutdown broadcast.
func EncodeShutdown(gracePeriodMs int64) ([]byte, error) {
	return json.Marshal(systemFrame{Type: "system", Event: "shutdown", GracePeriodMs: gracePeriodMs})
}
