package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"

	"number-hunt-bot/internal/game"
	"number-hunt-bot/internal/model"
	"number-hunt-bot/internal/pkg/lock"
	"number-hunt-bot/internal/store"
)

const (
	g1 int64 = -1001
	g2 int64 = -1002
	u1 int64 = 11
	u2 int64 = 22
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.LockTimeout = time.Second
	opts.BackoffInitial = time.Millisecond
	opts.BackoffMax = 2 * time.Millisecond
	return opts
}

func newTestService(s store.Store, mutate ...func(*Options)) *HuntService {
	opts := testOptions()
	for _, m := range mutate {
		m(&opts)
	}
	return NewHuntService(s, lock.NewGroupLock(), opts)
}

var submissionSeq atomic.Int64

func submission(groupID, userID, claimed int64) *model.Submission {
	return &model.Submission{
		GroupID:        groupID,
		UserID:         userID,
		Username:       fmt.Sprintf("user%d", userID),
		ClaimedNumber:  claimed,
		MediaReference: "photo",
		SubmissionID:   fmt.Sprintf("%d:%d", groupID, submissionSeq.Add(1)),
		MessageID:      int(submissionSeq.Load()),
		Timestamp:      time.Now(),
	}
}

func mustStart(t *testing.T, svc *HuntService, groupID int64, channel string) {
	t.Helper()
	res, err := svc.Start(context.Background(), groupID, channel)
	require.NoError(t, err)
	require.True(t, res.OK)
}

func assertCountsMatch(t *testing.T, svc *HuntService, groupID int64) {
	t.Helper()
	ctx := context.Background()
	info, err := svc.Info(ctx, groupID)
	require.NoError(t, err)
	total, err := svc.ledger.Total(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, info.CurrentNumber-1, total, "sum of counts must equal current number - 1")
}

func TestScenarios(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemoryStore())

	// A: fresh group, start, first number
	mustStart(t, svc, g1, "chan1")
	res, err := svc.Submit(ctx, submission(g1, u1, 1))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, int64(1), res.Number)
	assert.Equal(t, int64(2), res.CurrentNumber)
	assert.Equal(t, "chan1", res.ChannelID)

	// B: late duplicate of 1
	res, err = svc.Submit(ctx, submission(g1, u2, 1))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, model.ReasonAlreadySubmitted, res.Reason)
	assert.Equal(t, int64(2), res.CurrentNumber)

	// C: too far ahead
	res, err = svc.Submit(ctx, submission(g1, u1, 5))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, model.ReasonOutOfOrder, res.Reason)
	assert.Equal(t, int64(2), res.Expected)

	// E: three numbers by u1, one by u2
	for _, step := range []struct{ n, user int64 }{{2, u1}, {3, u2}, {4, u1}} {
		res, err = svc.Submit(ctx, submission(g1, step.user, step.n))
		require.NoError(t, err)
		require.True(t, res.Accepted, "number %d", step.n)
	}

	stats, err := svc.Stats(ctx, g1)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, u1, stats[0].UserID)
	assert.Equal(t, int64(3), stats[0].AcceptedCount)
	assert.Equal(t, "user11", stats[0].Username)
	assert.Equal(t, u2, stats[1].UserID)
	assert.Equal(t, int64(1), stats[1].AcceptedCount)

	assertCountsMatch(t, svc, g1)
}

func TestScenarioD_RaceOnSameNumber(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemoryStore())
	mustStart(t, svc, g1, "chan1")

	_, err := svc.Submit(ctx, submission(g1, u1, 1))
	require.NoError(t, err)

	const racers = 16
	results := make([]*model.SubmissionResult, racers)
	var eg errgroup.Group
	for i := 0; i < racers; i++ {
		i := i
		eg.Go(func() error {
			res, err := svc.Submit(ctx, submission(g1, int64(100+i), 2))
			results[i] = res
			return err
		})
	}
	require.NoError(t, eg.Wait())

	accepted := 0
	for _, res := range results {
		if res.Accepted {
			accepted++
			continue
		}
		assert.Equal(t, model.ReasonAlreadySubmitted, res.Reason)
		assert.Equal(t, int64(3), res.CurrentNumber)
	}
	assert.Equal(t, 1, accepted)

	info, err := svc.Info(ctx, g1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.CurrentNumber)
	assertCountsMatch(t, svc, g1)
}

func TestSubmit_RaceAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	// Separate in-process locks: only the conditional commit orders them
	a := newTestService(shared)
	b := newTestService(shared)
	mustStart(t, a, g1, "chan1")

	for round := int64(1); round <= 5; round++ {
		round := round
		var accepted atomic.Int32
		var eg errgroup.Group
		for i := 0; i < 8; i++ {
			i := i
			svc := a
			if i%2 == 1 {
				svc = b
			}
			eg.Go(func() error {
				res, err := svc.Submit(ctx, submission(g1, int64(i+1), round))
				if err != nil {
					return err
				}
				if res.Accepted {
					accepted.Add(1)
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())
		assert.Equal(t, int32(1), accepted.Load(), "round %d", round)
	}

	info, err := a.Info(ctx, g1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), info.CurrentNumber)
	assertCountsMatch(t, a, g1)
}

func TestSubmit_AdjacentNumbersRace(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		svc := newTestService(store.NewMemoryStore())
		mustStart(t, svc, g1, "chan1")

		var eg errgroup.Group
		var first, second *model.SubmissionResult
		eg.Go(func() (err error) {
			first, err = svc.Submit(ctx, submission(g1, u1, 1))
			return err
		})
		eg.Go(func() (err error) {
			second, err = svc.Submit(ctx, submission(g1, u2, 2))
			return err
		})
		require.NoError(t, eg.Wait())

		// 1 is always taken, 2 only if it arrived after 1
		assert.True(t, first.Accepted)
		info, err := svc.Info(ctx, g1)
		require.NoError(t, err)
		if second.Accepted {
			assert.Equal(t, int64(3), info.CurrentNumber)
		} else {
			assert.Equal(t, model.ReasonOutOfOrder, second.Reason)
			assert.Equal(t, int64(2), info.CurrentNumber)
		}
		assertCountsMatch(t, svc, g1)
	}
}

func TestSubmit_NotStarted(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemoryStore())

	res, err := svc.Submit(ctx, submission(g1, u1, 1))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, model.ReasonNotStarted, res.Reason)

	info, err := svc.Info(ctx, g1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUninitialized, info.Status)
	assert.Equal(t, int64(1), info.CurrentNumber)
}

func TestSubmit_Invalid(t *testing.T) {
	svc := newTestService(store.NewMemoryStore())

	_, err := svc.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	sub := submission(g1, u1, 1)
	sub.SubmissionID = ""
	_, err = svc.Submit(context.Background(), sub)
	assert.ErrorIs(t, err, ErrInvalidSubmission)
}

func TestSubmit_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemoryStore())
	mustStart(t, svc, g1, "chan1")

	sub := submission(g1, u1, 1)
	first, err := svc.Submit(ctx, sub)
	require.NoError(t, err)
	require.True(t, first.Accepted)
	assert.False(t, first.Duplicate)

	again, err := svc.Submit(ctx, sub)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	again.Duplicate = false
	assert.Equal(t, first, again)

	entry, err := svc.ledger.Entry(ctx, g1, u1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.AcceptedCount)
	assertCountsMatch(t, svc, g1)
}

func TestSubmit_IdempotentAcrossInstances(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	svc := newTestService(shared)
	mustStart(t, svc, g1, "chan1")

	sub := submission(g1, u1, 1)
	first, err := svc.Submit(ctx, sub)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	// A fresh process has an empty cache and must rely on the stored session
	other := newTestService(shared)
	again, err := other.Submit(ctx, sub)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.True(t, again.Accepted)
	assert.Equal(t, first.Number, again.Number)
	assert.Equal(t, first.CurrentNumber, again.CurrentNumber)

	info, err := other.Info(ctx, g1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.CurrentNumber)
	assertCountsMatch(t, other, g1)
}

func TestSubmit_RejectedRedeliveryIsStable(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemoryStore())
	mustStart(t, svc, g1, "chan1")

	early := submission(g1, u1, 2)
	res, err := svc.Submit(ctx, early)
	require.NoError(t, err)
	require.Equal(t, model.ReasonOutOfOrder, res.Reason)

	_, err = svc.Submit(ctx, submission(g1, u2, 1))
	require.NoError(t, err)

	// 2 is now expected, but the redelivered message keeps its verdict
	res, err = svc.Submit(ctx, early)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Accepted)
	assert.Equal(t, model.ReasonOutOfOrder, res.Reason)

	info, err := svc.Info(ctx, g1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.CurrentNumber)
}

func TestSubmit_ConcurrentRedelivery(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemoryStore())
	mustStart(t, svc, g1, "chan1")

	sub := submission(g1, u1, 1)
	var fresh atomic.Int32
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			res, err := svc.Submit(ctx, sub)
			if err != nil {
				return err
			}
			if !res.Accepted {
				return fmt.Errorf("redelivery rejected: %+v", res)
			}
			if !res.Duplicate {
				fresh.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), fresh.Load())
	assertCountsMatch(t, svc, g1)
}

func TestStart(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemoryStore())

	res, err := svc.Start(ctx, g1, "chan1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.AlreadyActive)

	res, err = svc.Start(ctx, g1, " chan1 ")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.AlreadyActive)

	res, err = svc.Start(ctx, g1, "chan2")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, model.ReasonAlreadyAssociated, res.Reason)
	assert.Equal(t, "chan1", res.Session.ChannelID)

	_, err = svc.Start(ctx, g1, "")
	assert.ErrorIs(t, err, ErrInvalidChannel)

	// Starting does not rewind a running hunt
	_, err = svc.Submit(ctx, submission(g1, u1, 1))
	require.NoError(t, err)
	res, err = svc.Start(ctx, g1, "chan1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Session.CurrentNumber)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemoryStore())
	mustStart(t, svc, g1, "chan1")
	mustStart(t, svc, g2, "chan2")

	sub := submission(g1, u1, 1)
	_, err := svc.Submit(ctx, sub)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, submission(g1, u1, 2))
	require.NoError(t, err)
	_, err = svc.Submit(ctx, submission(g2, u1, 1))
	require.NoError(t, err)

	require.NoError(t, svc.Reset(ctx, g1))

	info, err := svc.Info(ctx, g1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.CurrentNumber)
	assert.Empty(t, info.ChannelID)
	assert.Equal(t, model.StatusUninitialized, info.Status)

	stats, err := svc.Stats(ctx, g1)
	require.NoError(t, err)
	assert.Empty(t, stats)
	history, err := svc.History(ctx, g1)
	require.NoError(t, err)
	assert.Empty(t, history)

	// Other groups are untouched
	stats, err = svc.Stats(ctx, g2)
	require.NoError(t, err)
	assert.Len(t, stats, 1)

	// Submissions are refused until restarted, even redeliveries
	res, err := svc.Submit(ctx, sub)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, model.ReasonNotStarted, res.Reason)

	// Resetting twice is fine and a new channel may be bound
	require.NoError(t, svc.Reset(ctx, g1))
	mustStart(t, svc, g1, "chan3")
	res, err = svc.Submit(ctx, submission(g1, u2, 1))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "chan3", res.ChannelID)
	assertCountsMatch(t, svc, g1)
}

func TestReset_KeepStats(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemoryStore(), func(o *Options) { o.KeepStatsOnReset = true })
	mustStart(t, svc, g1, "chan1")

	_, err := svc.Submit(ctx, submission(g1, u1, 1))
	require.NoError(t, err)
	require.NoError(t, svc.Reset(ctx, g1))

	stats, err := svc.Stats(ctx, g1)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].AcceptedCount)
}

func TestHistoryAndRecordForward(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemoryStore())
	mustStart(t, svc, g1, "chan1")

	for n := int64(1); n <= 3; n++ {
		res, err := svc.Submit(ctx, submission(g1, u1, n))
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}
	require.NoError(t, svc.RecordForward(ctx, g1, 2, 900))

	history, err := svc.History(ctx, g1)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(2), history[1].Number)
	assert.Equal(t, 900, history[1].ChannelMessageID)
	assert.Zero(t, history[0].ChannelMessageID)
	assert.Equal(t, u1, history[2].UserID)

	err = svc.RecordForward(ctx, g1, 42, 901)
	assert.ErrorIs(t, err, game.ErrHistoryNotFound)
}

func TestSubmit_LockTimeout(t *testing.T) {
	ctx := context.Background()
	gl := lock.NewGroupLock()
	opts := testOptions()
	opts.LockTimeout = 20 * time.Millisecond
	svc := NewHuntService(store.NewMemoryStore(), gl, opts)
	mustStart(t, svc, g1, "chan1")

	gl.Lock(g1)
	_, err := svc.Submit(ctx, submission(g1, u1, 1))
	assert.ErrorIs(t, err, ErrLockTimeout)

	err = svc.Reset(ctx, g1)
	assert.ErrorIs(t, err, ErrLockTimeout)

	// Other groups and reads are not blocked
	mustStart(t, svc, g2, "chan2")
	res, err := svc.Submit(ctx, submission(g2, u1, 1))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	info, err := svc.Info(ctx, g1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.CurrentNumber)
	gl.Unlock(g1)

	res, err = svc.Submit(ctx, submission(g1, u1, 1))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

// faultyStore fails selected calls before passing them through.
type faultyStore struct {
	store.Store

	mu             sync.Mutex
	commitFailures int // negative fails forever
	commitErr      error
	getErr         error
	deleteErr      error
	commits        int
}

func (f *faultyStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	f.mu.Lock()
	err := f.deleteErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Store.DeletePrefix(ctx, prefix)
}

func (f *faultyStore) setDeleteErr(err error) {
	f.mu.Lock()
	f.deleteErr = err
	f.mu.Unlock()
}

func (f *faultyStore) Get(ctx context.Context, key string) (store.Entry, error) {
	f.mu.Lock()
	err := f.getErr
	f.mu.Unlock()
	if err != nil {
		return store.Entry{}, err
	}
	return f.Store.Get(ctx, key)
}

func (f *faultyStore) Commit(ctx context.Context, txn *store.Txn) error {
	f.mu.Lock()
	f.commits++
	if f.commitFailures != 0 {
		if f.commitFailures > 0 {
			f.commitFailures--
		}
		err := f.commitErr
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	return f.Store.Commit(ctx, txn)
}

func TestReset_FailedWipeDoesNotLeakIntoNextHunt(t *testing.T) {
	ctx := context.Background()
	fs := &faultyStore{Store: store.NewMemoryStore()}
	svc := newTestService(fs)
	mustStart(t, svc, g1, "chan1")
	for n := int64(1); n <= 3; n++ {
		res, err := svc.Submit(ctx, submission(g1, u1, n))
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	fs.setDeleteErr(store.Unavailable("delete", errors.New("connection reset")))
	err := svc.Reset(ctx, g1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	info, err := svc.Info(ctx, g1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUninitialized, info.Status)

	// The wipe still fails, so the hunt must not be reopened on old counts
	_, err = svc.Start(ctx, g1, "chan1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	info, err = svc.Info(ctx, g1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUninitialized, info.Status)

	fs.setDeleteErr(nil)
	mustStart(t, svc, g1, "chan1")
	stats, err := svc.Stats(ctx, g1)
	require.NoError(t, err)
	assert.Empty(t, stats)
	history, err := svc.History(ctx, g1)
	require.NoError(t, err)
	assert.Empty(t, history)

	res, err := svc.Submit(ctx, submission(g1, u2, 1))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assertCountsMatch(t, svc, g1)
}

func TestStart_KeepStatsSkipsWipe(t *testing.T) {
	ctx := context.Background()
	fs := &faultyStore{Store: store.NewMemoryStore()}
	svc := newTestService(fs, func(o *Options) { o.KeepStatsOnReset = true })
	mustStart(t, svc, g1, "chan1")
	_, err := svc.Submit(ctx, submission(g1, u1, 1))
	require.NoError(t, err)
	require.NoError(t, svc.Reset(ctx, g1))

	// Nothing is deleted when stats are kept, so a failing delete is never hit
	fs.setDeleteErr(errors.New("must not be called"))
	mustStart(t, svc, g1, "chan1")
	stats, err := svc.Stats(ctx, g1)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].AcceptedCount)
}

func TestSubmit_CachedResultIgnoredAfterRemoteReset(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()
	first := newTestService(shared)
	second := newTestService(shared)
	mustStart(t, first, g1, "chan1")

	sub := submission(g1, u1, 1)
	res, err := first.Submit(ctx, sub)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	// Another process resets and restarts the group; first keeps its cache
	require.NoError(t, second.Reset(ctx, g1))
	mustStart(t, second, g1, "chan2")

	res, err = first.Submit(ctx, sub)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Accepted)
	assert.Equal(t, "chan2", res.ChannelID)
	assertCountsMatch(t, first, g1)

	// After a reset without restart the redelivery is refused, not replayed
	require.NoError(t, second.Reset(ctx, g1))
	res, err = first.Submit(ctx, sub)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, model.ReasonNotStarted, res.Reason)
}

func TestSubmit_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	fs := &faultyStore{Store: store.NewMemoryStore(), commitFailures: 2, commitErr: store.ErrConflict}
	svc := newTestService(fs)
	mustStart(t, svc, g1, "chan1")

	res, err := svc.Submit(ctx, submission(g1, u1, 1))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 3, fs.commits)
	assertCountsMatch(t, svc, g1)
}

func TestSubmit_ConflictBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	fs := &faultyStore{Store: store.NewMemoryStore(), commitFailures: -1, commitErr: store.ErrConflict}
	svc := newTestService(fs, func(o *Options) { o.MaxAttempts = 3 })
	mustStart(t, svc, g1, "chan1")

	sub := submission(g1, u1, 1)
	_, err := svc.Submit(ctx, sub)
	assert.ErrorIs(t, err, ErrTransientConflict)
	assert.Equal(t, 3, fs.commits)

	info, err := svc.Info(ctx, g1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.CurrentNumber)
	assertCountsMatch(t, svc, g1)

	// Failures are not cached: the same message succeeds once the store recovers
	fs.mu.Lock()
	fs.commitFailures = 0
	fs.mu.Unlock()
	res, err := svc.Submit(ctx, sub)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Duplicate)
}

func TestSubmit_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	fs := &faultyStore{Store: store.NewMemoryStore()}
	svc := newTestService(fs)
	mustStart(t, svc, g1, "chan1")

	fs.mu.Lock()
	fs.getErr = store.Unavailable("get", errors.New("connection refused"))
	fs.mu.Unlock()

	_, err := svc.Submit(ctx, submission(g1, u1, 1))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = svc.Info(ctx, g1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestSubmit_NonRetryableErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	fs := &faultyStore{Store: store.NewMemoryStore(), commitFailures: -1, commitErr: store.ErrNotCounter}
	svc := newTestService(fs)
	mustStart(t, svc, g1, "chan1")

	_, err := svc.Submit(ctx, submission(g1, u1, 1))
	assert.ErrorIs(t, err, store.ErrNotCounter)
	assert.NotErrorIs(t, err, ErrTransientConflict)
	assert.Equal(t, 1, fs.commits)
}

// TestSubmitInvariantProperty drives random submission sequences, including
// redeliveries, and checks the counting invariant after every call.
func TestSubmitInvariantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		svc := newTestService(store.NewMemoryStore())
		if _, err := svc.Start(ctx, g1, "chan1"); err != nil {
			t.Fatal(err)
		}

		// Each message id carries a fixed payload so redeliveries are exact copies
		numMessages := rapid.IntRange(1, 12).Draw(t, "numMessages")
		messages := make([]*model.Submission, numMessages)
		for i := range messages {
			messages[i] = &model.Submission{
				GroupID:       g1,
				UserID:        rapid.Int64Range(1, 4).Draw(t, "user"),
				ClaimedNumber: rapid.Int64Range(0, 8).Draw(t, "claimed"),
				SubmissionID:  fmt.Sprintf("m%d", i),
			}
		}

		first := make(map[string]model.SubmissionResult)
		var accepted int64
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			msg := messages[rapid.IntRange(0, numMessages-1).Draw(t, "message")]
			res, err := svc.Submit(ctx, msg)
			if err != nil {
				t.Fatal(err)
			}

			if prev, ok := first[msg.SubmissionID]; ok {
				if !res.Duplicate {
					t.Fatalf("redelivery of %s not flagged", msg.SubmissionID)
				}
				got := *res
				got.Duplicate = false
				if got != prev {
					t.Fatalf("redelivery of %s changed result: %+v vs %+v", msg.SubmissionID, got, prev)
				}
			} else {
				if res.Duplicate {
					t.Fatalf("first delivery of %s flagged duplicate", msg.SubmissionID)
				}
				first[msg.SubmissionID] = *res
				if res.Accepted {
					accepted++
				}
			}

			info, err := svc.Info(ctx, g1)
			if err != nil {
				t.Fatal(err)
			}
			total, err := svc.ledger.Total(ctx, g1)
			if err != nil {
				t.Fatal(err)
			}
			if total != info.CurrentNumber-1 || accepted != total {
				t.Fatalf("current=%d total=%d accepted=%d", info.CurrentNumber, total, accepted)
			}
		}
	})
}
