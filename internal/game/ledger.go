package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"number-hunt-bot/internal/model"
	"number-hunt-bot/internal/store"
)

// ErrHistoryNotFound is returned when no accepted submission is archived for a number.
var ErrHistoryNotFound = errors.New("history entry not found")

const channelMessageRetries = 3

// member is the stored display data of a participant.
type member struct {
	Username string `json:"username"`
}

// Ledger keeps per-user accepted counters and the archive of accepted numbers.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// NewLedger creates a stats ledger on top of s.
func NewLedger(s store.Store) *Ledger {
	return &Ledger{
		store: s,
		now:   time.Now,
	}
}

// StageAccept adds the writes of one accepted submission to txn: the
// submitter's counter, their display name and the history entry of number.
func (l *Ledger) StageAccept(txn *store.Txn, sub *model.Submission, number int64) error {
	txn.Increment(statsKey(sub.GroupID, sub.UserID), 1)

	if sub.Username != "" {
		data, err := json.Marshal(member{Username: sub.Username})
		if err != nil {
			return fmt.Errorf("failed to marshal member: %w", err)
		}
		txn.Put(memberKey(sub.GroupID, sub.UserID), data)
	}

	acceptedAt := sub.Timestamp
	if acceptedAt.IsZero() {
		acceptedAt = l.now()
	}
	entry := model.HistoryEntry{
		GroupID:        sub.GroupID,
		Number:         number,
		UserID:         sub.UserID,
		Username:       sub.Username,
		MediaReference: sub.MediaReference,
		SubmissionID:   sub.SubmissionID,
		MessageID:      sub.MessageID,
		AcceptedAt:     acceptedAt,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	txn.Put(historyKey(sub.GroupID, number), data)
	return nil
}

// Entry returns one user's counter. Users without accepted submissions have a zero count.
func (l *Ledger) Entry(ctx context.Context, groupID, userID int64) (model.StatsEntry, error) {
	entry := model.StatsEntry{GroupID: groupID, UserID: userID}

	e, err := l.store.Get(ctx, statsKey(groupID, userID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return entry, nil
		}
		return entry, err
	}

	count, err := store.ParseCounter(e.Value)
	if err != nil {
		return entry, fmt.Errorf("stats of user %d: %w", userID, err)
	}
	entry.AcceptedCount = count
	return entry, nil
}

// Leaderboard returns all counters of a group, highest count first and ties
// broken by ascending user id.
func (l *Ledger) Leaderboard(ctx context.Context, groupID int64) ([]model.StatsEntry, error) {
	counters, err := l.store.List(ctx, statsPrefix(groupID))
	if err != nil {
		return nil, err
	}

	names, err := l.usernames(ctx, groupID)
	if err != nil {
		return nil, err
	}

	entries := make([]model.StatsEntry, 0, len(counters))
	for _, e := range counters {
		userID, err := idFromKey(e.Key, statsPrefix(groupID))
		if err != nil {
			continue
		}
		count, err := store.ParseCounter(e.Value)
		if err != nil {
			return nil, fmt.Errorf("stats of user %d: %w", userID, err)
		}
		if count <= 0 {
			continue
		}
		entries = append(entries, model.StatsEntry{
			GroupID:       groupID,
			UserID:        userID,
			Username:      names[userID],
			AcceptedCount: count,
		})
	}

	SortLeaderboard(entries)
	return entries, nil
}

// SortLeaderboard orders entries by count descending, then user id ascending.
func SortLeaderboard(entries []model.StatsEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AcceptedCount != entries[j].AcceptedCount {
			return entries[i].AcceptedCount > entries[j].AcceptedCount
		}
		return entries[i].UserID < entries[j].UserID
	})
}

// Total returns the sum of all counters of a group.
func (l *Ledger) Total(ctx context.Context, groupID int64) (int64, error) {
	entries, err := l.Leaderboard(ctx, groupID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.AcceptedCount
	}
	return total, nil
}

// History returns the archived accepted numbers of a group in ascending order.
func (l *Ledger) History(ctx context.Context, groupID int64) ([]model.HistoryEntry, error) {
	stored, err := l.store.List(ctx, historyPrefix(groupID))
	if err != nil {
		return nil, err
	}

	entries := make([]model.HistoryEntry, 0, len(stored))
	for _, e := range stored {
		var h model.HistoryEntry
		if err := json.Unmarshal(e.Value, &h); err != nil {
			return nil, fmt.Errorf("corrupt history entry %s: %w", e.Key, err)
		}
		entries = append(entries, h)
	}

	// Keys sort as strings, numbers must not
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Number < entries[j].Number
	})
	return entries, nil
}

// SetChannelMessage records the broadcast message id of an archived number.
// Version conflicts are retried with a short backoff.
func (l *Ledger) SetChannelMessage(ctx context.Context, groupID, number int64, channelMessageID int) error {
	key := historyKey(groupID, number)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := l.setChannelMessage(ctx, key, channelMessageID)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, channelMessageRetries-1), ctx))
}

func (l *Ledger) setChannelMessage(ctx context.Context, key string, channelMessageID int) error {
	e, err := l.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrHistoryNotFound
		}
		return err
	}

	var h model.HistoryEntry
	if err := json.Unmarshal(e.Value, &h); err != nil {
		return fmt.Errorf("corrupt history entry %s: %w", key, err)
	}
	h.ChannelMessageID = channelMessageID

	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	_, err = l.store.ConditionalSet(ctx, key, e.Version, data)
	return err
}

// Clear removes counters, member names and history of a group.
func (l *Ledger) Clear(ctx context.Context, groupID int64) error {
	for _, prefix := range []string{statsPrefix(groupID), memberPrefix(groupID), historyPrefix(groupID)} {
		if _, err := l.store.DeletePrefix(ctx, prefix); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) usernames(ctx context.Context, groupID int64) (map[int64]string, error) {
	stored, err := l.store.List(ctx, memberPrefix(groupID))
	if err != nil {
		return nil, err
	}

	names := make(map[int64]string, len(stored))
	for _, e := range stored {
		userID, err := idFromKey(e.Key, memberPrefix(groupID))
		if err != nil {
			continue
		}
		var m member
		if err := json.Unmarshal(e.Value, &m); err != nil {
			continue
		}
		names[userID] = m.Username
	}
	return names, nil
}
