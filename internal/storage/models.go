package storage

import "time"

// Instruction is a persisted directive prepended to every chat request.
// Every row belongs to exactly one application scope via AppID.
type Instruction struct {
	ID        string    `json:"id"`
	AppID     string    `json:"app_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageLogEntry records one relayed chat request. UserID is nil for
// anonymous requests.
type UsageLogEntry struct {
	ID        int64     `json:"id"`
	UserID    *string   `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
