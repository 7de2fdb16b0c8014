// Package message defines the envelope model exchanged between two hub
// instances: requests, terminal responses and streaming progress updates,
// all correlated by (fromInstance, messageID).
package message

// Type tags the envelope variant on the wire.
type Type string

const (
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
	TypeProgress Type = "progress"
)

// Broadcast is the wildcard target. A request emitted to it carries no
// toInstance and may be answered by any peer.
const Broadcast = "*"

// Envelope is the single wire shape for all three variants. Which fields are
// meaningful depends on Type.
type Envelope struct {
	From      string `json:"fromInstance" cbor:"fromInstance"`
	To        string `json:"toInstance,omitempty" cbor:"toInstance,omitempty"`
	MessageID uint64 `json:"messageID" cbor:"messageID"`
	Type      Type   `json:"type" cbor:"type"`

	// Request fields.
	Method   string `json:"methodName,omitempty" cbor:"methodName,omitempty"`
	Args     []any  `json:"args,omitempty" cbor:"args,omitempty"`
	Progress bool   `json:"progress,omitempty" cbor:"progress,omitempty"`

	// Response and progress fields.
	IsSuccess bool `json:"isSuccess,omitempty" cbor:"isSuccess,omitempty"`
	Data      any  `json:"data,omitempty" cbor:"data,omitempty"`
}

// NewRequest builds a request envelope. An empty to means broadcast.
func NewRequest(from, to string, id uint64, method string, args []any) *Envelope {
	return &Envelope{From: from, To: to, MessageID: id, Type: TypeRequest, Method: method, Args: args}
}

// NewResponse builds the terminal response for req, addressed back to its
// sender and carrying its message id.
func NewResponse(req *Envelope, self string, ok bool, data any) *Envelope {
	return &Envelope{From: self, To: req.From, MessageID: req.MessageID, Type: TypeResponse, IsSuccess: ok, Data: data}
}

// NewProgress builds one progress update for req. Zero or more of these may
// precede the terminal response.
func NewProgress(req *Envelope, self string, data any) *Envelope {
	return &Envelope{From: self, To: req.From, MessageID: req.MessageID, Type: TypeProgress, Data: data}
}

// ValidRequest reports whether e is a request this instance should dispatch:
// sent by someone else, carrying a non-zero message id, and either
// unaddressed or naming this instance.
func (e *Envelope) ValidRequest(self string) bool {
	if e.Type != TypeRequest || e.From == "" || e.From == self || e.MessageID == 0 {
		return false
	}
	return e.To == "" || e.To == self
}

// ValidReply reports whether a response or progress envelope settles the
// pending call (target, id) on instance self. The sender must be the
// original target unless the request was broadcast.
func (e *Envelope) ValidReply(self, target string, id uint64) bool {
	if e.To != self || e.MessageID != id {
		return false
	}
	return target == Broadcast || e.From == target
}
