package store

// Entry is a key/value pair returned by ListByPrefix.
type Entry struct {
	Key   string
	Value []byte
}

// Message is a locally cached chat message. ClientID is the operation id
// the message was enqueued under; ServerID is merged in once acknowledged.
type Message struct {
	ClientID  string
	ChatID    string
	ServerID  string
	Body      string
	Status    string // pending, sent, failed
	CreatedAt int64
}

// Message statuses.
const (
	MessagePending = "pending"
	MessageSent    = "sent"
	MessageFailed  = "failed"
)
