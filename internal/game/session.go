package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"number-hunt-bot/internal/model"
	"number-hunt-bot/internal/store"
)

// Session errors.
var (
	ErrAlreadyAssociated = errors.New("group is already associated with another channel")
	ErrEmptyChannel      = errors.New("channel id must not be empty")
	ErrCorruptSession    = errors.New("stored session is corrupt")
)

// DefaultRecentSubmissions is used when no positive limit is configured.
const DefaultRecentSubmissions = 50

// Sessions loads and writes per-group sessions. Every write is conditional on
// the version the session was loaded at and fails with store.ErrConflict if
// someone else wrote in between.
type Sessions struct {
	store  store.Store
	recent int
	now    func() time.Time
}

// NewSessions creates a session repository. recentLimit bounds the ring of
// accepted submission ids kept in each session.
func NewSessions(s store.Store, recentLimit int) *Sessions {
	if recentLimit <= 0 {
		recentLimit = DefaultRecentSubmissions
	}
	return &Sessions{
		store:  s,
		recent: recentLimit,
		now:    time.Now,
	}
}

// Load returns the group's session. A group that was never written yields an
// uninitialized session with version 0.
func (r *Sessions) Load(ctx context.Context, groupID int64) (*model.Session, error) {
	e, err := r.store.Get(ctx, sessionKey(groupID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.NewSession(groupID), nil
		}
		return nil, err
	}

	var sess model.Session
	if err := json.Unmarshal(e.Value, &sess); err != nil {
		return nil, fmt.Errorf("%w: group %d: %v", ErrCorruptSession, groupID, err)
	}
	sess.GroupID = groupID
	sess.Version = e.Version
	if sess.CurrentNumber < 1 {
		sess.CurrentNumber = 1
	}
	return &sess, nil
}

// Start binds the group to channelID and activates it. Starting an active
// group with the same channel changes nothing and reports changed=false.
func (r *Sessions) Start(ctx context.Context, groupID int64, channelID string) (sess *model.Session, changed bool, err error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, false, ErrEmptyChannel
	}

	current, err := r.Load(ctx, groupID)
	if err != nil {
		return nil, false, err
	}

	if current.IsActive() {
		if current.ChannelID != channelID {
			return current, false, ErrAlreadyAssociated
		}
		return current, false, nil
	}

	now := r.now()
	next := &model.Session{
		GroupID:       groupID,
		CurrentNumber: 1,
		ChannelID:     channelID,
		Status:        model.StatusActive,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.write(ctx, current.Version, next); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// Reset puts the group back to number 1 with no channel.
func (r *Sessions) Reset(ctx context.Context, groupID int64) (*model.Session, error) {
	current, err := r.Load(ctx, groupID)
	if err != nil {
		return nil, err
	}

	next := &model.Session{
		GroupID:       groupID,
		CurrentNumber: 1,
		Status:        model.StatusReset,
		UpdatedAt:     r.now(),
	}
	if err := r.write(ctx, current.Version, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Advance returns the session that results from applying an accepting
// decision for sub. The input session is not modified.
func (r *Sessions) Advance(sess *model.Session, sub *model.Submission, d model.Decision) *model.Session {
	next := *sess
	next.CurrentNumber = d.Next
	next.UpdatedAt = r.now()

	recent := make([]model.ProcessedSubmission, 0, r.recent)
	recent = append(recent, sess.Recent...)
	recent = append(recent, model.ProcessedSubmission{
		SubmissionID: sub.SubmissionID,
		UserID:       sub.UserID,
		Number:       d.Expected,
	})
	if len(recent) > r.recent {
		recent = recent[len(recent)-r.recent:]
	}
	next.Recent = recent
	return &next
}

// Stage adds the conditional write of next to txn. It only succeeds at commit
// time if the stored session is still at expectedVersion.
func (r *Sessions) Stage(txn *store.Txn, expectedVersion int64, next *model.Session) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	txn.Set(sessionKey(next.GroupID), expectedVersion, data)
	return nil
}

func (r *Sessions) write(ctx context.Context, expectedVersion int64, next *model.Session) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	version, err := r.store.ConditionalSet(ctx, sessionKey(next.GroupID), expectedVersion, data)
	if err != nil {
		return err
	}
	next.Version = version
	return nil
}
