package domain

// UnknownChannel is attributed to a session whose last message carries no channel.
const UnknownChannel = "unknown"

// ConsolidatedSession is the immutable rollup of one user's buffered burst.
type ConsolidatedSession struct {
	UserID              string            `dynamodbav:"user_id" json:"user_id"`
	SessionEndTimestamp int64             `dynamodbav:"session_end_timestamp" json:"session_end_timestamp"`
	Channel             string            `dynamodbav:"channel" json:"channel"`
	Messages            []BufferedMessage `dynamodbav:"messages" json:"messages"`
	BatchKey            string            `dynamodbav:"batch_key" json:"batch_key"`
}

// Timestamps returns the sort keys of the session's messages in order.
func (s ConsolidatedSession) Timestamps() []int64 {
	out := make([]int64, len(s.Messages))
	for i, m := range s.Messages {
		out[i] = m.Timestamp
	}
	return out
}
