package domain

// BufferedMessage is one inbound message waiting to be consolidated.
// (UserID, Timestamp) is its storage key. A key can be reused once the entry
// has been consolidated; MessageID tells the two entries apart.
type BufferedMessage struct {
	UserID         string `dynamodbav:"user_id" json:"user_id"`
	Timestamp      int64  `dynamodbav:"timestamp" json:"timestamp"`
	MessageID      string `dynamodbav:"message_id,omitempty" json:"message_id,omitempty"`
	SessionID      string `dynamodbav:"session_id,omitempty" json:"session_id,omitempty"`
	Channel        string `dynamodbav:"channel,omitempty" json:"channel,omitempty"`
	Payload        []byte `dynamodbav:"payload,omitempty" json:"payload,omitempty"`
	ExpirationTime int64  `dynamodbav:"expiration_time,omitempty" json:"expiration_time,omitempty"`
}

// Expired reports whether the entry has passed its expiration time at now
// (epoch seconds). Entries without an expiration never expire.
func (m BufferedMessage) Expired(now int64) bool {
	return m.ExpirationTime > 0 && m.ExpirationTime <= now
}

// QueryOptions controls the ordering and size of a buffer query.
type QueryOptions struct {
	Descending bool
	// Limit caps the number of returned messages. Zero returns everything.
	Limit int
}
