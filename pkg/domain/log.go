package domain

import "time"

const (
	LogTypeSession = "session"
	LogTypeView    = "view_paste"
	LogTypeAudit   = "audit"
)

// Log is one append-only record of the log table. Session records use the
// session id as ID.
type Log struct {
	ID        string    `json:"ID"`
	Type      string    `json:"Type"`
	Content   string    `json:"Content"`
	Timestamp time.Time `json:"Timestamp"`
}

// LogQuery selects logs; zero fields are ignored.
type LogQuery struct {
	Type            string
	Content         string
	ContentSuffix   string
	ContentContains string
	Before          time.Time
	Limit           int
}
