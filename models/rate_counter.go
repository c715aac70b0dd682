package models

import "time"

// RateCounter is a fixed-window request counter for one identity
type RateCounter struct {
	Key       string    `json:"key" db:"key"`
	Count     int64     `json:"count" db:"count"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// TableName returns the table name for the RateCounter model
func (RateCounter) TableName() string {
	return "rate_counters"
}

// Expired reports whether the window has closed at now
func (c RateCounter) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
