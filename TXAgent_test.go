package actortx

import (
	"actortx/internel"
	"actortx/model"
	"actortx/pkg"
	"actortx/state"
	"actortx/storage"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingResource 记录收到的线路操作, PrepareAndCommit / CommitReadOnly 的结果可以指定
type recordingResource struct {
	id pkg.ParticipantId

	mux   sync.Mutex
	calls []string
	tms   []pkg.ParticipantId
	total int

	status pkg.TransactionalStatus
	err    error
	block  bool
}

func newRecording(actor string) *recordingResource {
	return &recordingResource{id: pkg.NewParticipantId(actor, "balance")}
}

func (r *recordingResource) record(call string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingResource) count(call string) int {
	r.mux.Lock()
	defer r.mux.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (r *recordingResource) reply(ctx context.Context) (pkg.TransactionalStatus, error) {
	if r.block {
		<-ctx.Done()
		return pkg.StatusTMResponseTimeout, ctx.Err()
	}
	return r.status, r.err
}

func (r *recordingResource) ID() pkg.ParticipantId { return r.id }

func (r *recordingResource) Prepare(_ context.Context, _ string, _ pkg.AccessCounter, _ time.Time, tm pkg.ParticipantId) error {
	r.mux.Lock()
	r.tms = append(r.tms, tm)
	r.mux.Unlock()
	r.record("Prepare")
	return nil
}

func (r *recordingResource) PrepareAndCommit(ctx context.Context, _ string, _ pkg.AccessCounter, _ time.Time, _ []pkg.ParticipantId, total int) (pkg.TransactionalStatus, error) {
	r.mux.Lock()
	r.total = total
	r.mux.Unlock()
	r.record("PrepareAndCommit")
	return r.reply(ctx)
}

func (r *recordingResource) Prepared(context.Context, string, time.Time, pkg.ParticipantId, pkg.TransactionalStatus) error {
	r.record("Prepared")
	return nil
}

func (r *recordingResource) Confirm(context.Context, string, time.Time) error {
	r.record("Confirm")
	return nil
}

func (r *recordingResource) CommitReadOnly(ctx context.Context, _ string, _ pkg.AccessCounter, _ time.Time) (pkg.TransactionalStatus, error) {
	r.record("CommitReadOnly")
	return r.reply(ctx)
}

func (r *recordingResource) Cancel(context.Context, string, time.Time, pkg.TransactionalStatus) error {
	r.record("Cancel")
	return nil
}

func (r *recordingResource) Abort(context.Context, string) error {
	r.record("Abort")
	return nil
}

func (r *recordingResource) Ping(context.Context, string, time.Time, pkg.ParticipantId) error {
	r.record("Ping")
	return nil
}

func newDirectory(t *testing.T, resources ...model.TransactionalResource) *internel.Directory {
	t.Helper()
	dir := internel.NewDirectory()
	for _, r := range resources {
		require.NoError(t, dir.Extension(r.ID().Actor).Register(r))
	}
	return dir
}

func Test_read_write_commit_sends_one_prepare_and_commit(t *testing.T) {
	ctx := context.Background()
	alice, bob, carol, audit := newRecording("alice"), newRecording("bob"), newRecording("carol"), newRecording("audit")
	agent := NewTXAgent(newDirectory(t, alice, bob, carol, audit))

	info, err := agent.StartTransaction(ctx, false, 0)
	require.NoError(t, err)
	info.RecordWrite(carol.id, info.TimeStamp)
	info.RecordWrite(alice.id, info.TimeStamp)
	info.RecordWrite(bob.id, info.TimeStamp)
	info.RecordRead(audit.id, info.TimeStamp)

	require.NoError(t, agent.Commit(ctx, info))
	agent.Close()

	//alice 排序最前, 是TM
	assert.Equal(t, 1, alice.count("PrepareAndCommit"))
	assert.Equal(t, 0, alice.count("Prepare"))
	assert.Equal(t, 4, alice.total)
	for _, r := range []*recordingResource{bob, carol, audit} {
		assert.Equal(t, 1, r.count("Prepare"), r.id.String())
		assert.Equal(t, 0, r.count("PrepareAndCommit"), r.id.String())
		assert.Equal(t, []pkg.ParticipantId{alice.id}, r.tms)
	}
	assert.True(t, info.PrepareMessagesSent)
}

func Test_candidate_tm_selector(t *testing.T) {
	ctx := context.Background()
	alice, bob := newRecording("alice"), newRecording("bob")
	agent := NewTXAgent(newDirectory(t, alice, bob), WithTMSelector(CandidateTM{}))

	info, err := agent.StartTransaction(ctx, false, 0)
	require.NoError(t, err)
	info.RecordWrite(bob.id, info.TimeStamp)
	info.RecordWrite(alice.id, info.TimeStamp)

	require.NoError(t, agent.Commit(ctx, info))
	agent.Close()
	assert.Equal(t, 1, bob.count("PrepareAndCommit"))
	assert.Equal(t, 1, alice.count("Prepare"))
}

func Test_read_only_commit(t *testing.T) {
	ctx := context.Background()
	alice, bob := newRecording("alice"), newRecording("bob")
	agent := NewTXAgent(newDirectory(t, alice, bob))

	info, err := agent.StartTransaction(ctx, true, 0)
	require.NoError(t, err)
	info.RecordRead(alice.id, info.TimeStamp)
	info.RecordRead(bob.id, info.TimeStamp)

	require.NoError(t, agent.Commit(ctx, info))
	agent.Close()
	assert.Equal(t, 1, alice.count("CommitReadOnly"))
	assert.Equal(t, 1, bob.count("CommitReadOnly"))
	assert.Equal(t, 0, alice.count("Prepare")+bob.count("Prepare"))
}

func Test_read_only_failures_are_aborts(t *testing.T) {
	ctx := context.Background()
	alice, bob := newRecording("alice"), newRecording("bob")
	bob.status = pkg.StatusLockValidationFailed
	agent := NewTXAgent(newDirectory(t, alice, bob))

	info, err := agent.StartTransaction(ctx, true, 0)
	require.NoError(t, err)
	info.RecordRead(alice.id, info.TimeStamp)
	info.RecordRead(bob.id, info.TimeStamp)

	var aborted pkg.TransactionAbortedError
	err = agent.Commit(ctx, info)
	require.True(t, errors.As(err, &aborted))
	assert.Equal(t, pkg.StatusLockValidationFailed, aborted.Status)

	//超时也不会是in-doubt
	bob.status, bob.block = pkg.StatusOk, true
	info, err = agent.StartTransaction(ctx, true, 30*time.Millisecond)
	require.NoError(t, err)
	info.RecordRead(bob.id, info.TimeStamp)
	err = agent.Commit(ctx, info)
	require.True(t, errors.As(err, &aborted))
	assert.Equal(t, pkg.StatusParticipantResponseTimeout, aborted.Status)
}

func Test_tm_failure_is_in_doubt(t *testing.T) {
	ctx := context.Background()
	alice, bob := newRecording("alice"), newRecording("bob")
	alice.err = errors.New("connection reset")
	agent := NewTXAgent(newDirectory(t, alice, bob))

	info, err := agent.StartTransaction(ctx, false, 0)
	require.NoError(t, err)
	info.RecordWrite(alice.id, info.TimeStamp)
	info.RecordWrite(bob.id, info.TimeStamp)

	var inDoubt pkg.TransactionInDoubtError
	require.True(t, errors.As(agent.Commit(ctx, info), &inDoubt))

	alice.err, alice.block = nil, true
	info, err = agent.StartTransaction(ctx, false, 30*time.Millisecond)
	require.NoError(t, err)
	info.RecordWrite(alice.id, info.TimeStamp)
	info.RecordWrite(bob.id, info.TimeStamp)
	require.True(t, errors.As(agent.Commit(ctx, info), &inDoubt))
	agent.Close()

	//TM无响应时不会发Cancel
	assert.Equal(t, 0, bob.count("Cancel"))
}

func Test_tm_failure_leaves_cohorts_uncommitted(t *testing.T) {
	ctx := context.Background()
	clock := pkg.NewCausalClock()
	alice := newRecording("alice")
	alice.err = errors.New("connection reset")
	dir := newDirectory(t, alice)

	stores := map[string]*storage.MemoryStorage{}
	cohorts := map[string]*state.TransactionalState[account]{}
	for _, actor := range []string{"bob", "carol"} {
		stores[actor] = storage.NewMemoryStorage(actor, nil)
		s := state.NewTransactionalState[account](pkg.NewParticipantId(actor, "balance"), stores[actor], dir,
			state.WithClock(clock), state.WithMonitorTick(10*time.Millisecond))
		require.NoError(t, dir.Extension(actor).Register(s))
		require.NoError(t, s.Activate(ctx))
		t.Cleanup(s.Close)
		cohorts[actor] = s
	}
	agent := NewTXAgent(dir, WithClock(clock))

	info, err := agent.StartTransaction(ctx, false, time.Second)
	require.NoError(t, err)
	info.RecordWrite(alice.id, info.TimeStamp)
	for _, s := range cohorts {
		require.NoError(t, s.PerformUpdate(ctx, info, func(a *account) error {
			a.Balance += 10
			return nil
		}))
	}

	var inDoubt pkg.TransactionInDoubtError
	require.True(t, errors.As(agent.Commit(ctx, info), &inDoubt))
	agent.Close()

	for actor, s := range cohorts {
		require.Eventually(t, func() bool {
			resp, err := stores[actor].Load(ctx)
			return err == nil && len(resp.PendingStates) == 1
		}, 2*time.Second, 10*time.Millisecond, actor)

		//prepare已经持久化, 但没有任何部分写入被提交
		a, seq, err := s.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, 0, a.Balance, actor)
		assert.Equal(t, int64(0), seq, actor)
		resp, err := stores[actor].Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), resp.CommittedSequenceId, actor)
	}
	assert.Equal(t, 0, alice.count("Cancel"))
}

func Test_definite_abort_cancels_others(t *testing.T) {
	ctx := context.Background()
	alice, bob, audit := newRecording("alice"), newRecording("bob"), newRecording("audit")
	alice.status = pkg.StatusPrepareTimeout
	agent := NewTXAgent(newDirectory(t, alice, bob, audit))

	info, err := agent.StartTransaction(ctx, false, 0)
	require.NoError(t, err)
	info.RecordWrite(alice.id, info.TimeStamp)
	info.RecordWrite(bob.id, info.TimeStamp)
	info.RecordRead(audit.id, info.TimeStamp)

	var aborted pkg.TransactionAbortedError
	require.True(t, errors.As(agent.Commit(ctx, info), &aborted))
	assert.Equal(t, pkg.StatusPrepareTimeout, aborted.Status)
	agent.Close()
	assert.Equal(t, 1, bob.count("Cancel"))
	assert.Equal(t, 1, audit.count("Cancel"))
}

func Test_unknown_participant(t *testing.T) {
	ctx := context.Background()
	alice := newRecording("alice")
	agent := NewTXAgent(newDirectory(t, alice))

	info, err := agent.StartTransaction(ctx, false, 0)
	require.NoError(t, err)
	info.RecordWrite(alice.id, info.TimeStamp)
	info.RecordWrite(pkg.NewParticipantId("ghost", "balance"), info.TimeStamp)

	var aborted pkg.TransactionAbortedError
	require.True(t, errors.As(agent.Commit(ctx, info), &aborted))
	assert.Equal(t, pkg.StatusUnknownParticipant, aborted.Status)
	agent.Close()
	assert.Equal(t, 1, alice.count("Abort"))
	assert.Equal(t, 0, alice.count("PrepareAndCommit"))
}

func Test_orphan_call_aborts(t *testing.T) {
	ctx := context.Background()
	alice := newRecording("alice")
	agent := NewTXAgent(newDirectory(t, alice))

	info, err := agent.StartTransaction(ctx, false, 0)
	require.NoError(t, err)
	info.RecordWrite(alice.id, info.TimeStamp)
	_ = info.Fork()

	var orphan pkg.OrphanCallError
	require.True(t, errors.As(agent.Commit(ctx, info), &orphan))
	agent.Close()
	assert.Equal(t, 1, alice.count("Abort"))
}

func Test_overload_and_metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	alice := newRecording("alice")
	agent := NewTXAgent(newDirectory(t, alice),
		WithMetrics(reg),
		WithOverloadDetector(internel.NewOverloadDetector(internel.OverloadOptions{Enabled: true, Limit: 0.001, Burst: 1})))

	info, err := agent.StartTransaction(ctx, false, 0)
	require.NoError(t, err)
	_, err = agent.StartTransaction(ctx, false, 0)
	var overload pkg.OverloadError
	require.True(t, errors.As(err, &overload))

	info.RecordWrite(alice.id, info.TimeStamp)
	require.NoError(t, agent.Commit(ctx, info))
	agent.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(agent.metrics.started))
	assert.Equal(t, 1.0, testutil.ToFloat64(agent.metrics.overloaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(agent.metrics.committed))

	//第二个agent共享同一组collector
	second := NewTXAgent(newDirectory(t), WithMetrics(reg))
	assert.Same(t, agent.metrics.committed, second.metrics.committed)
}

type account struct {
	Balance int
}

func Test_bank_transfer_end_to_end(t *testing.T) {
	ctx := context.Background()
	clock := pkg.NewCausalClock()
	dir := internel.NewDirectory()
	stores := map[string]*storage.MemoryStorage{}
	accounts := map[string]*state.TransactionalState[account]{}
	for _, actor := range []string{"alice", "bob", "audit"} {
		stores[actor] = storage.NewMemoryStorage(actor, nil)
		s := state.NewTransactionalState[account](pkg.NewParticipantId(actor, "balance"), stores[actor], dir,
			state.WithClock(clock), state.WithMonitorTick(10*time.Millisecond))
		require.NoError(t, dir.Extension(actor).Register(s))
		require.NoError(t, s.Activate(ctx))
		t.Cleanup(s.Close)
		accounts[actor] = s
	}
	agent := NewTXAgent(dir, WithClock(clock))
	t.Cleanup(agent.Close)

	transfer := func(from, to string, amount int) error {
		info, err := agent.StartTransaction(ctx, false, 2*time.Second)
		require.NoError(t, err)
		if err := accounts["audit"].PerformRead(ctx, info, func(account) error { return nil }); err != nil {
			return err
		}
		if err := accounts[from].PerformUpdate(ctx, info, func(a *account) error {
			a.Balance -= amount
			return nil
		}); err != nil {
			return err
		}
		if err := accounts[to].PerformUpdate(ctx, info, func(a *account) error {
			a.Balance += amount
			return nil
		}); err != nil {
			return err
		}
		return agent.Commit(ctx, info)
	}

	require.NoError(t, transfer("alice", "bob", 10))
	require.NoError(t, transfer("bob", "alice", 3))

	require.Eventually(t, func() bool {
		a, _, _ := accounts["alice"].Snapshot()
		b, _, _ := accounts["bob"].Snapshot()
		return a.Balance == -7 && b.Balance == 7
	}, 2*time.Second, 10*time.Millisecond)

	//读者不会写日志
	resp, err := stores["audit"].Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", resp.ETag)

	info, err := agent.StartTransaction(ctx, true, time.Second)
	require.NoError(t, err)
	var seen int
	require.NoError(t, accounts["bob"].PerformRead(ctx, info, func(a account) error {
		seen = a.Balance
		return nil
	}))
	require.NoError(t, agent.Commit(ctx, info))
	assert.Equal(t, 7, seen)
}
