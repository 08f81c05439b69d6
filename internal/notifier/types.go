package notifier

import "time"

// Config controls delivery of reminder and digest messages.
type Config struct {
	RatePerSec    int
	RetryMax      int // extra attempts after the first; 0 sends once
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	ParseMode     string // empty means Markdown
}

type HistoryItem struct {
	At          time.Time
	Destination string
	Attempts    int
	Error       string
}

// NotificationEvent is emitted on the event bus for every finished delivery.
type NotificationEvent struct {
	Destination string    `json:"destination"`
	ChatID      int64     `json:"chat_id"`
	ThreadID    int       `json:"thread_id,omitempty"`
	Attempts    int       `json:"attempts"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}
