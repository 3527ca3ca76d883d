package models

import (
	"errors"
	"time"
)

// SessionID identifies a session in the local store. It is generated
// locally and is unrelated to the identifier assigned by the remote
// collector.
type SessionID string

// DefaultDeviceLabel is recorded when a session starts without a device label.
const DefaultDeviceLabel = "Python_Learning_Assistant"

// AnonymousUser is recorded for events whose session is unknown.
const AnonymousUser = "anonymous"

// Session is a bounded interval of application usage.
type Session struct {
	SessionID       SessionID  `json:"session_id"`
	UserID          string     `json:"user_id"`
	DeviceLabel     string     `json:"device_label"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	TotalActivities int        `json:"total_activities"`
}

// Validate checks the fields required for a session row.
func (s *Session) Validate() error {
	if s.SessionID == "" {
		return errors.New("session id is required")
	}
	if s.StartTime.IsZero() {
		return errors.New("session start time is required")
	}
	if s.EndTime != nil && s.EndTime.Before(s.StartTime) {
		return errors.New("session end time precedes start time")
	}
	return nil
}

// Ended reports whether the session was closed cleanly.
func (s *Session) Ended() bool {
	return s.EndTime != nil
}

// Duration returns the wall-clock length of an ended session, or zero.
func (s *Session) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
