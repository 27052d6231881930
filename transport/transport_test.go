package transport

import (
	"actortx"
	"actortx/internel"
	"actortx/pkg"
	"actortx/state"
	"actortx/storage"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newBufServer(t *testing.T) (*Client, *internel.Directory) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	dir := internel.NewDirectory()
	g := grpc.NewServer()
	NewServer(dir, nil).Register(g)
	go func() {
		_ = g.Serve(lis)
	}()
	t.Cleanup(g.Stop)

	client := NewClient(func(actor string) (string, error) {
		return "passthrough:///bufnet", nil
	}, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client, dir
}

type account struct {
	Balance int
}

func Test_transfer_over_grpc(t *testing.T) {
	ctx := context.Background()
	client, dir := newBufServer(t)
	clock := pkg.NewCausalClock()

	accounts := map[string]*state.TransactionalState[account]{}
	for _, actor := range []string{"alice", "bob"} {
		//参与者之间也通过gRPC通信
		s := state.NewTransactionalState[account](pkg.NewParticipantId(actor, "balance"),
			storage.NewMemoryStorage(actor, nil), client,
			state.WithClock(clock), state.WithMonitorTick(10*time.Millisecond))
		require.NoError(t, dir.Extension(actor).Register(s))
		require.NoError(t, s.Activate(ctx))
		t.Cleanup(s.Close)
		accounts[actor] = s
	}

	agent := actortx.NewTXAgent(client, actortx.WithClock(clock))
	t.Cleanup(agent.Close)

	info, err := agent.StartTransaction(ctx, false, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, accounts["alice"].PerformUpdate(ctx, info, func(a *account) error {
		a.Balance -= 5
		return nil
	}))
	require.NoError(t, accounts["bob"].PerformUpdate(ctx, info, func(a *account) error {
		a.Balance += 5
		return nil
	}))
	require.NoError(t, agent.Commit(ctx, info))

	require.Eventually(t, func() bool {
		b, seq, _ := accounts["bob"].Snapshot()
		return b.Balance == 5 && seq == 1
	}, 2*time.Second, 10*time.Millisecond)
	a, _, err := accounts["alice"].Snapshot()
	require.NoError(t, err)
	assert.Equal(t, -5, a.Balance)
}

func Test_unknown_participant_is_not_found(t *testing.T) {
	client, _ := newBufServer(t)
	r, err := client.Locate(pkg.NewParticipantId("ghost", "balance"))
	require.NoError(t, err)

	err = r.Ping(context.Background(), "tx", time.Now(), pkg.NewParticipantId("alice", "balance"))
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(errors.Cause(err)))
}

func Test_deadline_maps_to_context_error(t *testing.T) {
	ctx := context.Background()
	client, dir := newBufServer(t)
	slow := state.NewTransactionalState[account](pkg.NewParticipantId("slow", "balance"),
		storage.NewMemoryStorage("slow", nil), dir, state.WithLockTimeout(time.Minute))
	require.NoError(t, dir.Extension("slow").Register(slow))
	require.NoError(t, slow.Activate(ctx))
	t.Cleanup(slow.Close)

	//先让一个写事务排在队首且不会就绪, 之后的只读提交只能等待
	writer := pkg.NewTransactionInfo("writer", time.Now(), false, time.Minute)
	require.NoError(t, slow.PerformUpdate(ctx, writer, func(a *account) error {
		a.Balance = 1
		return nil
	}))
	pending, stop := context.WithCancel(ctx)
	t.Cleanup(stop)
	go func() {
		_, _ = slow.PrepareAndCommit(pending, writer.Id, writer.Participants[slow.ID()], writer.TimeStamp,
			[]pkg.ParticipantId{slow.ID(), pkg.NewParticipantId("nobody", "balance")}, 2)
	}()

	reader := pkg.NewTransactionInfo("reader", time.Now(), true, time.Minute)
	require.NoError(t, slow.PerformRead(ctx, reader, func(account) error { return nil }))

	r, err := client.Locate(slow.ID())
	require.NoError(t, err)
	callCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = r.CommitReadOnly(callCtx, reader.Id, reader.Participants[slow.ID()], reader.TimeStamp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
