package ws

type MessageType string

const (
	MsgSnapshot  MessageType = "snapshot"
	MsgEventEcho MessageType = "event_echo"
	MsgCatalog   MessageType = "catalog"
)

// WSMessage is the envelope of every observer message. Seq increases
// across everything the hub encodes, so it orders messages but may skip.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

// Supersedes reports whether a newer message of this type makes queued
// older ones of the same type obsolete. Snapshots and catalogs are full
// replacements; event echoes are not.
func (t MessageType) Supersedes() bool {
	return t == MsgSnapshot || t == MsgCatalog
}

// apiResponse is the body of every administrative endpoint.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Failure codes carried by apiResponse.Code.
const (
	CodeNotFound    = "not_found"
	CodeInvalid     = "invalid"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
)

type counterRequest struct {
	GroupID  string `json:"groupId"`
	Count    *int64 `json:"count,omitempty"`
	Diamonds *int64 `json:"diamonds,omitempty"`
}

type targetRequest struct {
	Target *int64 `json:"target"`
}
