package gateway

import "encoding/json"

// Frame type discriminators.
const (
	frameReq   = "req"
	frameRes   = "res"
	frameEvent = "event"
)

// Event names the gateway emits.
const (
	eventChallenge = "connect.challenge"
	eventAgent     = "agent"
	eventChat      = "chat"
)

// Agent stream discriminators.
const (
	streamText      = "text"
	streamContent   = "content"
	streamLifecycle = "lifecycle"
	streamTool      = "tool"
)

// Frame is the wire envelope shared by requests, responses and events.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// FrameError carries a gateway-reported failure inside a response frame.
type FrameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *FrameError) Error() string {
	if e.Code != "" {
		return "gateway: " + e.Code + ": " + e.Message
	}
	return "gateway: " + e.Message
}

// ConnectParams is the payload of the connect handshake request.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role,omitempty"`
	Scopes      []string    `json:"scopes,omitempty"`
	Auth        ConnectAuth `json:"auth"`
}

// ClientInfo identifies this client to the gateway.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode,omitempty"`
}

// ConnectAuth carries the credential presented during the handshake.
type ConnectAuth struct {
	Token string `json:"token"`
}

// ChatParams is the payload of an agent chat request.
type ChatParams struct {
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// AbortParams is the payload of an agent.abort request.
type AbortParams struct {
	RunID string `json:"runId"`
}

// acceptPayload is the response payload acknowledging an agent request.
type acceptPayload struct {
	RunID  string `json:"runId,omitempty"`
	Status string `json:"status,omitempty"`
	Text   string `json:"text,omitempty"`
}

// agentEvent is the payload of a streaming agent event.
type agentEvent struct {
	RunID  string          `json:"runId,omitempty"`
	Stream string          `json:"stream,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// lifecycleData is the data of a lifecycle stream delta.
type lifecycleData struct {
	Phase string `json:"phase,omitempty"`
}

// chatEvent is the payload of the side-channel final reply event.
type chatEvent struct {
	State   string       `json:"state,omitempty"`
	Done    bool         `json:"done,omitempty"`
	Message *chatMessage `json:"message,omitempty"`
}

type chatMessage struct {
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// text returns the first text block of a final chat message, if any.
func (m *chatMessage) text() string {
	if m == nil {
		return ""
	}
	for _, b := range m.Content {
		if b.Type == "text" && b.Text != "" {
			return b.Text
		}
	}
	return ""
}
