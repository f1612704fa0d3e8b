package collaboration

import "encoding/json"

// Wire event names. One JSON-encoded Message per websocket text frame.
const (
	EventJoinDocument    = "join-document"
	EventDocumentJoined  = "document-joined"
	EventDocumentError   = "document-error"
	EventSyncStep1       = "sync-step-1"
	EventSyncStep2       = "sync-step-2"
	EventUpdate          = "update"
	EventAwarenessUpdate = "awareness-update"
	EventAwarenessQuery  = "awareness-query"
)

// Message is the protocol envelope. Only the fields relevant to a given
// event type are populated:
//
//	join-document    c→s  DocumentID
//	document-joined  s→c  DocumentID
//	document-error   s→c  Error
//	sync-step-1      both StateVector
//	sync-step-2      both Update
//	update           both Update (server rebroadcasts, excluding sender)
//	awareness-update both ClientID + Presence, or ClientID + Removed
//	awareness-query  both ClientID
type Message struct {
	Type        string          `json:"type"`
	DocumentID  string          `json:"documentId,omitempty"`
	StateVector []byte          `json:"stateVector,omitempty"`
	Update      []byte          `json:"update,omitempty"`
	ClientID    string          `json:"clientId,omitempty"`
	Presence    json.RawMessage `json:"presence,omitempty"`
	Removed     bool            `json:"removed,omitempty"`
	Error       string          `json:"message,omitempty"`
}

func encodeMessage(m Message) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// Message fields are plain data; this cannot fail.
		panic(err)
	}
	return b
}
