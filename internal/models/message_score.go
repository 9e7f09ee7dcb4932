package models

// MessageScore holds per-message interaction counters. Counters are
// updated concurrently from many goroutines through optimistic
// concurrency, never with a lock.
type MessageScore struct {
	Record

	AccountID    int64  `db:"account_id" json:"account_id"`
	MessageID    string `db:"message_id" json:"message_id"`
	TimesRead    int    `db:"times_read" json:"times_read"`
	TimesReplied int    `db:"times_replied" json:"times_replied"`
}

// TableName returns the table name for MessageScore.
func (MessageScore) TableName() string {
	return "message_scores"
}

var messageScoreColumns = []string{"account_id", "message_id", "times_read", "times_replied"}

// Columns implements Persisted.
func (s *MessageScore) Columns() []string {
	return messageScoreColumns
}

// Values implements Persisted.
func (s *MessageScore) Values() []interface{} {
	return []interface{}{s.AccountID, s.MessageID, s.TimesRead, s.TimesReplied}
}

// Pointers implements Persisted.
func (s *MessageScore) Pointers() []interface{} {
	return []interface{}{&s.AccountID, &s.MessageID, &s.TimesRead, &s.TimesReplied}
}
