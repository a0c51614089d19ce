package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"number-hunt-bot/internal/config"
	"number-hunt-bot/internal/game"
	"number-hunt-bot/internal/model"
	"number-hunt-bot/internal/pkg/lock"
	"number-hunt-bot/internal/store"
)

// Hunt-related errors. Rejected submissions are not errors; they are reported
// through SubmissionResult.Reason.
var (
	ErrLockTimeout       = errors.New("timed out waiting for the group lock")
	ErrTransientConflict = errors.New("too much contention on the group, try again")
	ErrStoreUnavailable  = errors.New("state store unavailable")
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrInvalidChannel    = errors.New("invalid channel")
)

// Options tunes the coordinator.
type Options struct {
	LockTimeout       time.Duration
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	RecentSubmissions int
	IdempotencySize   int
	IdempotencyTTL    time.Duration
	KeepStatsOnReset  bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		LockTimeout:       5 * time.Second,
		MaxAttempts:       5,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMax:        200 * time.Millisecond,
		RecentSubmissions: game.DefaultRecentSubmissions,
		IdempotencySize:   4096,
		IdempotencyTTL:    10 * time.Minute,
	}
}

// OptionsFromConfig builds coordinator options from the game section of the config.
func OptionsFromConfig(cfg *config.GameConfig) Options {
	return Options{
		LockTimeout:       cfg.LockTimeout,
		MaxAttempts:       cfg.MaxAttempts,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		RecentSubmissions: cfg.RecentSubmissions,
		IdempotencySize:   cfg.IdempotencySize,
		IdempotencyTTL:    cfg.IdempotencyTTL,
		KeepStatsOnReset:  cfg.KeepStatsOnReset,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LockTimeout <= 0 {
		o.LockTimeout = d.LockTimeout
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = d.BackoffInitial
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.RecentSubmissions <= 0 {
		o.RecentSubmissions = d.RecentSubmissions
	}
	if o.IdempotencySize <= 0 {
		o.IdempotencySize = d.IdempotencySize
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = d.IdempotencyTTL
	}
	return o
}

// HuntService coordinates the number hunt of every group. Mutations of one
// group are serialized by the locker and committed with a conditional store
// transaction; different groups never wait for each other.
type HuntService struct {
	store    store.Store
	locker   lock.Locker
	sessions *game.Sessions
	ledger   *game.Ledger
	results  *expirable.LRU[string, cachedResult]
	opts     Options
}

// cachedResult is a computed verdict together with the StartedAt of the hunt
// it was computed in. A verdict from an earlier hunt of the group is stale.
type cachedResult struct {
	res   model.SubmissionResult
	epoch time.Time
}

// submitOutcome is one attempt's result and the hunt it was computed in.
type submitOutcome struct {
	res   *model.SubmissionResult
	epoch time.Time
}

// NewHuntService creates a new HuntService instance.
func NewHuntService(s store.Store, locker lock.Locker, opts Options) *HuntService {
	opts = opts.withDefaults()
	return &HuntService{
		store:    s,
		locker:   locker,
		sessions: game.NewSessions(s, opts.RecentSubmissions),
		ledger:   game.NewLedger(s),
		results:  expirable.NewLRU[string, cachedResult](opts.IdempotencySize, nil, opts.IdempotencyTTL),
		opts:     opts,
	}
}

// Submit validates a claim against the group's session and, when it is the
// expected number, advances the session and credits the submitter in one
// transaction. A redelivered submission id returns the original result with
// Duplicate set and changes nothing, as long as the group has not been reset
// and restarted since.
func (s *HuntService) Submit(ctx context.Context, sub *model.Submission) (*model.SubmissionResult, error) {
	if err := validateSubmission(sub); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, sub.GroupID)
	if err != nil {
		return nil, err
	}
	defer release()

	key := resultKey(sub.GroupID, sub.SubmissionID)
	out, err := retry(ctx, s, "submit", sub.GroupID, func() (submitOutcome, error) {
		return s.submitOnce(ctx, key, sub)
	})
	if err != nil {
		return nil, err
	}
	res := out.res

	if !res.Duplicate {
		s.results.Add(key, cachedResult{res: *res, epoch: out.epoch})
	}

	if res.Accepted && !res.Duplicate {
		log.Info().
			Int64("group_id", sub.GroupID).
			Int64("user_id", sub.UserID).
			Int64("number", res.Number).
			Str("submission_id", sub.SubmissionID).
			Msg("Number accepted")
	}
	return res, nil
}

func (s *HuntService) submitOnce(ctx context.Context, key string, sub *model.Submission) (submitOutcome, error) {
	sess, err := s.sessions.Load(ctx, sub.GroupID)
	if err != nil {
		return submitOutcome{}, err
	}
	out := submitOutcome{epoch: sess.StartedAt}

	// Results of an earlier hunt are ignored, whichever process reset it
	if res, ok := s.cached(key, sess.StartedAt); ok {
		out.res = res
		return out, nil
	}

	if p, ok := sess.FindProcessed(sub.SubmissionID); ok {
		out.res = &model.SubmissionResult{
			SubmissionID:  sub.SubmissionID,
			Accepted:      true,
			Number:        p.Number,
			CurrentNumber: p.Number + 1,
			Expected:      p.Number,
			Duplicate:     true,
			ChannelID:     sess.ChannelID,
		}
		return out, nil
	}

	d := game.Decide(sess, sub)
	res := &model.SubmissionResult{
		SubmissionID:  sub.SubmissionID,
		Accepted:      d.Accepted,
		CurrentNumber: d.Next,
		Expected:      d.Expected,
		Reason:        d.Reason,
		ChannelID:     sess.ChannelID,
	}
	out.res = res
	if !d.Accepted {
		return out, nil
	}
	res.Number = d.Expected

	next := s.sessions.Advance(sess, sub, d)
	txn := store.NewTxn()
	if err := s.sessions.Stage(txn, sess.Version, next); err != nil {
		return submitOutcome{}, err
	}
	if err := s.ledger.StageAccept(txn, sub, d.Expected); err != nil {
		return submitOutcome{}, err
	}
	if err := s.store.Commit(ctx, txn); err != nil {
		return submitOutcome{}, err
	}
	return out, nil
}

// Start binds the group to a broadcast channel and opens the hunt at number 1.
// A group that is already hunting into another channel is refused with
// ReasonAlreadyAssociated.
func (s *HuntService) Start(ctx context.Context, groupID int64, channelID string) (*model.StartResult, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, fmt.Errorf("%w: channel must not be empty", ErrInvalidChannel)
	}

	release, err := s.acquire(ctx, groupID)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := retry(ctx, s, "start", groupID, func() (*model.StartResult, error) {
		if err := s.clearStaleStats(ctx, groupID); err != nil {
			return nil, err
		}
		sess, changed, err := s.sessions.Start(ctx, groupID, channelID)
		switch {
		case errors.Is(err, game.ErrAlreadyAssociated):
			return &model.StartResult{Reason: model.ReasonAlreadyAssociated, Session: sess}, nil
		case err != nil:
			return nil, err
		}
		return &model.StartResult{OK: true, AlreadyActive: !changed, Session: sess}, nil
	})
	if err != nil {
		return nil, err
	}

	if res.OK && !res.AlreadyActive {
		log.Info().Int64("group_id", groupID).Str("channel", channelID).Msg("Hunt started")
	}
	return res, nil
}

// Reset stops the group's hunt, unbinds its channel and, unless configured
// otherwise, wipes its stats and history. Authorization is up to the caller.
func (s *HuntService) Reset(ctx context.Context, groupID int64) error {
	release, err := s.acquire(ctx, groupID)
	if err != nil {
		return err
	}
	defer release()

	if _, err := retry(ctx, s, "reset", groupID, func() (*model.Session, error) {
		return s.sessions.Reset(ctx, groupID)
	}); err != nil {
		return err
	}
	s.forgetGroup(groupID)

	if !s.opts.KeepStatsOnReset {
		if _, err := retry(ctx, s, "clear stats", groupID, func() (struct{}, error) {
			return struct{}{}, s.ledger.Clear(ctx, groupID)
		}); err != nil {
			return err
		}
	}

	log.Info().
		Int64("group_id", groupID).
		Bool("stats_kept", s.opts.KeepStatsOnReset).
		Msg("Hunt reset")
	return nil
}

// Info returns a snapshot of the group's session. A reset group is reported
// as uninitialized.
func (s *HuntService) Info(ctx context.Context, groupID int64) (*model.Info, error) {
	sess, err := s.sessions.Load(ctx, groupID)
	if err != nil {
		return nil, classify("info", err)
	}

	status := sess.Status
	if status == model.StatusReset {
		status = model.StatusUninitialized
	}
	return &model.Info{
		GroupID:       groupID,
		CurrentNumber: sess.CurrentNumber,
		ChannelID:     sess.ChannelID,
		Status:        status,
	}, nil
}

// Stats returns the group's leaderboard, highest count first and ties broken
// by ascending user id.
func (s *HuntService) Stats(ctx context.Context, groupID int64) ([]model.StatsEntry, error) {
	entries, err := s.ledger.Leaderboard(ctx, groupID)
	if err != nil {
		return nil, classify("stats", err)
	}
	return entries, nil
}

// History returns the accepted numbers of the group in ascending order.
func (s *HuntService) History(ctx context.Context, groupID int64) ([]model.HistoryEntry, error) {
	entries, err := s.ledger.History(ctx, groupID)
	if err != nil {
		return nil, classify("history", err)
	}
	return entries, nil
}

// RecordForward stores the channel message an accepted number was forwarded as.
func (s *HuntService) RecordForward(ctx context.Context, groupID, number int64, channelMessageID int) error {
	if err := s.ledger.SetChannelMessage(ctx, groupID, number, channelMessageID); err != nil {
		return classify("record forward", err)
	}
	return nil
}

func (s *HuntService) acquire(ctx context.Context, groupID int64) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()

	release, err := s.locker.Acquire(lockCtx, groupID)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			log.Warn().Int64("group_id", groupID).Dur("timeout", s.opts.LockTimeout).Msg("Group lock timeout")
			return nil, fmt.Errorf("group %d: %w", groupID, ErrLockTimeout)
		}
		if errors.Is(err, store.ErrUnavailable) {
			return nil, fmt.Errorf("group %d lock: %w: %w", groupID, ErrStoreUnavailable, err)
		}
		return nil, err
	}
	return release, nil
}

// clearStaleStats wipes the ledger of a group that is about to be activated.
// A Reset whose wipe failed leaves counts behind; they must not leak into the
// next hunt.
func (s *HuntService) clearStaleStats(ctx context.Context, groupID int64) error {
	if s.opts.KeepStatsOnReset {
		return nil
	}
	sess, err := s.sessions.Load(ctx, groupID)
	if err != nil {
		return err
	}
	if sess.IsActive() {
		return nil
	}
	return s.ledger.Clear(ctx, groupID)
}

func (s *HuntService) cached(key string, epoch time.Time) (*model.SubmissionResult, bool) {
	c, ok := s.results.Get(key)
	if !ok {
		return nil, false
	}
	if !c.epoch.Equal(epoch) {
		s.results.Remove(key)
		return nil, false
	}
	res := c.res
	res.Duplicate = true
	return &res, true
}

func (s *HuntService) forgetGroup(groupID int64) {
	prefix := resultKey(groupID, "")
	for _, key := range s.results.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.results.Remove(key)
		}
	}
}

func (s *HuntService) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BackoffInitial
	b.MaxInterval = s.opts.BackoffMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.MaxAttempts-1)), ctx)
}

// retry runs fn until it succeeds, fails with a non-retryable error or the
// attempt budget is spent. Every attempt starts from a fresh read.
func retry[T any](ctx context.Context, s *HuntService, op string, groupID int64, fn func() (T, error)) (T, error) {
	attempt := 0
	res, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && !store.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, s.newBackOff(ctx), func(err error, wait time.Duration) {
		log.Debug().
			Err(err).
			Str("op", op).
			Int64("group_id", groupID).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Retrying store operation")
	})
	if err != nil {
		return res, classify(op, err)
	}
	return res, nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%s: %w: %w", op, ErrTransientConflict, err)
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func validateSubmission(sub *model.Submission) error {
	switch {
	case sub == nil:
		return fmt.Errorf("%w: nil submission", ErrInvalidSubmission)
	case sub.SubmissionID == "":
		return fmt.Errorf("%w: missing submission id", ErrInvalidSubmission)
	case sub.GroupID == 0:
		return fmt.Errorf("%w: missing group id", ErrInvalidSubmission)
	}
	return nil
}

func resultKey(groupID int64, submissionID string) string {
	return strconv.FormatInt(groupID, 10) + "/" + submissionID
}
