// Package model defines the data models for the number hunt bot.
package model

import "time"

// Status is the lifecycle state of a group's hunt session.
type Status string

// Session statuses.
const (
	StatusUninitialized Status = "uninitialized"
	StatusActive        Status = "active"
	StatusReset         Status = "reset"
)

// Session is the authoritative per-group game state.
// CurrentNumber is the next number that must be submitted and is never below 1.
type Session struct {
	GroupID       int64                 `json:"group_id"`
	CurrentNumber int64                 `json:"current_number"`
	ChannelID     string                `json:"channel_id,omitempty"`
	Status        Status                `json:"status"`
	StartedAt     time.Time             `json:"started_at,omitzero"`
	UpdatedAt     time.Time             `json:"updated_at,omitzero"`
	Recent        []ProcessedSubmission `json:"recent,omitempty"`

	// Version is the store version the session was loaded at. Zero means
	// the session has never been written.
	Version int64 `json:"-"`
}

// NewSession returns the default session of a group that has never been started.
func NewSession(groupID int64) *Session {
	return &Session{
		GroupID:       groupID,
		CurrentNumber: 1,
		Status:        StatusUninitialized,
	}
}

// IsActive reports whether submissions are currently accepted.
func (s *Session) IsActive() bool {
	return s.Status == StatusActive
}

// FindProcessed returns the recorded accepted submission with the given id.
func (s *Session) FindProcessed(submissionID string) (ProcessedSubmission, bool) {
	for _, p := range s.Recent {
		if p.SubmissionID == submissionID {
			return p, true
		}
	}
	return ProcessedSubmission{}, false
}

// ProcessedSubmission records an accepted submission for redelivery detection.
type ProcessedSubmission struct {
	SubmissionID string `json:"id"`
	UserID       int64  `json:"user_id"`
	Number       int64  `json:"number"`
}

// Submission is a single parsed claim event coming from the chat transport.
type Submission struct {
	GroupID        int64
	UserID         int64
	Username       string
	ClaimedNumber  int64
	MediaReference string
	SubmissionID   string
	MessageID      int
	Timestamp      time.Time
}

// StatsEntry is a user's accepted submission counter within one group.
type StatsEntry struct {
	GroupID       int64  `json:"group_id"`
	UserID        int64  `json:"user_id"`
	Username      string `json:"username,omitempty"`
	AcceptedCount int64  `json:"accepted_count"`
}

// HistoryEntry archives one accepted number of a group.
type HistoryEntry struct {
	GroupID          int64     `json:"group_id"`
	Number           int64     `json:"number"`
	UserID           int64     `json:"user_id"`
	Username         string    `json:"username,omitempty"`
	MediaReference   string    `json:"media,omitempty"`
	SubmissionID     string    `json:"submission_id"`
	MessageID        int       `json:"message_id,omitempty"`
	ChannelMessageID int       `json:"channel_message_id,omitempty"`
	AcceptedAt       time.Time `json:"accepted_at"`
}

// RejectReason explains why a submission or start request was not applied.
type RejectReason string

// Rejection reasons. They are business outcomes, not faults.
const (
	ReasonNone              RejectReason = ""
	ReasonNotStarted        RejectReason = "not_started"
	ReasonOutOfOrder        RejectReason = "out_of_order"
	ReasonAlreadySubmitted  RejectReason = "already_submitted"
	ReasonAlreadyAssociated RejectReason = "already_associated"
)

// Decision is the validator verdict for a submission against a session.
type Decision struct {
	Accepted bool
	Reason   RejectReason
	// Expected is the number the session was waiting for.
	Expected int64
	// Next is the session's current number after applying an accepted decision.
	Next int64
}

// Accept builds an accepting decision.
func Accept(expected int64) Decision {
	return Decision{Accepted: true, Expected: expected, Next: expected + 1}
}

// Reject builds a rejecting decision.
func Reject(reason RejectReason, expected int64) Decision {
	return Decision{Reason: reason, Expected: expected, Next: expected}
}

// SubmissionResult is returned to the transport layer for every submit call.
type SubmissionResult struct {
	SubmissionID  string
	Accepted      bool
	Number        int64
	CurrentNumber int64
	Expected      int64
	Reason        RejectReason
	Duplicate     bool
	// ChannelID is the broadcast channel an accepted submission should be forwarded to.
	ChannelID string
}

// StartResult is returned by a start request.
type StartResult struct {
	OK bool
	// AlreadyActive is set when the group was already running with the same channel.
	AlreadyActive bool
	Reason        RejectReason
	Session       *Session
}

// Info is a read-only snapshot of a group's session.
type Info struct {
	GroupID       int64
	CurrentNumber int64
	ChannelID     string
	Status        Status
}
