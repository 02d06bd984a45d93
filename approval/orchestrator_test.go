package approval

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/sophon-keeper/types"
)

const testOrigin = "https://app.example.org"

type fixture struct {
	orch   *Orchestrator
	ui     *UIConnManager
	cmds   <-chan *WindowCommand
	cancel context.CancelFunc
}

func newFixture(t *testing.T, queueDepth int) *fixture {
	orchCtx, orchCancel := context.WithCancel(context.Background())
	t.Cleanup(orchCancel)
	uiCtx, uiCancel := context.WithCancel(context.Background())
	t.Cleanup(uiCancel)

	cfg := types.DefaultConfig()
	cfg.ApprovalQueueDepth = queueDepth

	events := types.NewPubsub[types.WindowEvent](16)
	ui := NewUIConnManager(events, cfg)
	cmds, err := ui.RegisterUI(uiCtx)
	require.NoError(t, err)

	return &fixture{
		orch:   NewOrchestrator(orchCtx, cfg, ui, events),
		ui:     ui,
		cmds:   cmds,
		cancel: uiCancel,
	}
}

func (f *fixture) nextCommand(t *testing.T) *WindowCommand {
	select {
	case cmd := <-f.cmds:
		return cmd
	case <-time.After(time.Second):
		t.Fatal("no window command")
		return nil
	}
}

type approvalResult struct {
	res json.RawMessage
	err error
}

func requestAsync(ctx context.Context, orch *Orchestrator, kind Kind) <-chan approvalResult {
	out := make(chan approvalResult, 1)
	go func() {
		res, err := orch.RequestApproval(ctx, testOrigin, kind, nil)
		out <- approvalResult{res: res, err: err}
	}()
	return out
}

func TestApproveFlow(t *testing.T) {
	f := newFixture(t, 1)

	done := requestAsync(context.Background(), f.orch, KindConnect)

	cmd := f.nextCommand(t)
	require.Equal(t, WindowActionOpen, cmd.Action)
	require.Equal(t, cmd.WindowID, f.orch.WindowID())

	pending := f.orch.GetApproval()
	require.NotNil(t, pending)
	require.Equal(t, KindConnect, pending.Kind)

	require.NoError(t, f.orch.HandleApproval(pending.ID, json.RawMessage(`"ok"`), nil))
	out := <-done
	require.NoError(t, out.err)
	require.JSONEq(t, `"ok"`, string(out.res))

	// settling the last request closes the window
	require.Equal(t, WindowActionClose, f.nextCommand(t).Action)
	require.Equal(t, uuid.Nil, f.orch.WindowID())
	require.Nil(t, f.orch.GetApproval())
}

func TestRejectFlow(t *testing.T) {
	f := newFixture(t, 1)

	done := requestAsync(context.Background(), f.orch, KindSignMessage)
	f.nextCommand(t)

	require.NoError(t, f.orch.HandleApproval(uuid.Nil, nil, types.ErrUserRejected))
	out := <-done
	require.ErrorIs(t, out.err, types.ErrUserRejected)
}

func TestQueueRedisplaysInSameWindow(t *testing.T) {
	f := newFixture(t, 1)

	first := requestAsync(context.Background(), f.orch, KindConnect)
	open := f.nextCommand(t)
	require.Equal(t, WindowActionOpen, open.Action)
	firstPending := f.orch.GetApproval()

	second := requestAsync(context.Background(), f.orch, KindSignMessage)
	require.Eventually(t, func() bool { return f.orch.QueueLen() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.orch.HandleApproval(firstPending.ID, nil, nil))
	require.NoError(t, (<-first).err)

	// the queued request takes over the existing window, no close/open churn
	require.Eventually(t, func() bool {
		pending := f.orch.GetApproval()
		return pending != nil && pending.Kind == KindSignMessage
	}, time.Second, time.Millisecond)
	require.Equal(t, open.WindowID, f.orch.WindowID())

	require.NoError(t, f.orch.HandleApproval(uuid.Nil, nil, nil))
	require.NoError(t, (<-second).err)
	require.Equal(t, WindowActionClose, f.nextCommand(t).Action)
}

func TestQueueOverflow(t *testing.T) {
	f := newFixture(t, 1)

	requestAsync(context.Background(), f.orch, KindConnect)
	f.nextCommand(t)
	requestAsync(context.Background(), f.orch, KindSignMessage)
	require.Eventually(t, func() bool { return f.orch.QueueLen() == 1 }, time.Second, time.Millisecond)

	_, err := f.orch.RequestApproval(context.Background(), testOrigin, KindSignTransaction, nil)
	require.ErrorIs(t, err, types.ErrApprovalAlreadyPending)
}

func TestFocusLossRejectsEverything(t *testing.T) {
	f := newFixture(t, 2)

	first := requestAsync(context.Background(), f.orch, KindConnect)
	f.nextCommand(t)
	second := requestAsync(context.Background(), f.orch, KindSignMessage)
	require.Eventually(t, func() bool { return f.orch.QueueLen() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.ui.ReportEvent(types.WindowFocusLost, f.orch.WindowID()))

	require.ErrorIs(t, (<-first).err, types.ErrUserRejected)
	require.ErrorIs(t, (<-second).err, types.ErrUserRejected)
	require.Eventually(t, func() bool { return f.orch.WindowID() == uuid.Nil }, time.Second, time.Millisecond)
	require.Equal(t, WindowActionClose, f.nextCommand(t).Action)
}

func TestWindowRemovedRejectsActive(t *testing.T) {
	f := newFixture(t, 1)

	done := requestAsync(context.Background(), f.orch, KindSignTransaction)
	f.nextCommand(t)

	require.NoError(t, f.ui.ReportEvent(types.WindowRemoved, f.orch.WindowID()))
	require.ErrorIs(t, (<-done).err, types.ErrUserRejected)
	require.Eventually(t, func() bool { return f.orch.WindowID() == uuid.Nil }, time.Second, time.Millisecond)
}

func TestNoUISurface(t *testing.T) {
	ctx := context.Background()
	cfg := types.DefaultConfig()
	events := types.NewPubsub[types.WindowEvent](16)
	orch := NewOrchestrator(ctx, cfg, NewUIConnManager(events, cfg), events)

	_, err := orch.RequestApproval(ctx, testOrigin, KindConnect, nil)
	require.ErrorIs(t, err, types.ErrWindowCreateFailed)
	require.Nil(t, orch.GetApproval())
}

func TestLateHandleApprovalDiscarded(t *testing.T) {
	f := newFixture(t, 1)

	done := requestAsync(context.Background(), f.orch, KindConnect)
	f.nextCommand(t)
	stale := f.orch.GetApproval().ID

	require.NoError(t, f.orch.HandleApproval(stale, nil, nil))
	<-done
	f.nextCommand(t)

	// the request is gone, a duplicate report must not touch anything
	require.Error(t, f.orch.HandleApproval(stale, nil, nil))

	next := requestAsync(context.Background(), f.orch, KindSignMessage)
	f.nextCommand(t)
	require.Eventually(t, func() bool { return f.orch.GetApproval() != nil }, time.Second, time.Millisecond)

	// a stale id against a different active request is rejected too
	require.Error(t, f.orch.HandleApproval(stale, nil, nil))
	require.NotNil(t, f.orch.GetApproval())

	require.NoError(t, f.orch.HandleApproval(uuid.Nil, nil, types.ErrUserRejected))
	require.ErrorIs(t, (<-next).err, types.ErrUserRejected)
}

func TestCallerCancellation(t *testing.T) {
	f := newFixture(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := requestAsync(ctx, f.orch, KindSignMessage)
	f.nextCommand(t)

	cancel()
	require.ErrorIs(t, (<-done).err, types.ErrUserCancelled)

	// the slot frees up for the next request
	require.Eventually(t, func() bool { return f.orch.GetApproval() == nil }, time.Second, time.Millisecond)
}

func TestUnattendedApprovalExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := types.DefaultConfig()
	cfg.ApprovalQueueDepth = 2
	cfg.RequestTimeout = 50 * time.Millisecond
	cfg.ClearInterval = 10 * time.Millisecond

	events := types.NewPubsub[types.WindowEvent](16)
	ui := NewUIConnManager(events, cfg)
	cmds, err := ui.RegisterUI(ctx)
	require.NoError(t, err)
	orch := NewOrchestrator(ctx, cfg, ui, events)

	first := requestAsync(context.Background(), orch, KindSignTransaction)
	select {
	case cmd := <-cmds:
		require.Equal(t, WindowActionOpen, cmd.Action)
	case <-time.After(time.Second):
		t.Fatal("no window command")
	}
	second := requestAsync(context.Background(), orch, KindSignMessage)
	require.Eventually(t, func() bool { return orch.QueueLen() == 1 }, time.Second, time.Millisecond)

	require.ErrorIs(t, (<-first).err, types.ErrUserRejected)
	require.ErrorIs(t, (<-second).err, types.ErrUserRejected)

	require.Eventually(t, func() bool { return orch.WindowID() == uuid.Nil }, time.Second, time.Millisecond)
	require.Nil(t, orch.GetApproval())
}

func TestUIDisconnectRejectsActive(t *testing.T) {
	f := newFixture(t, 1)

	done := requestAsync(context.Background(), f.orch, KindConnect)
	f.nextCommand(t)

	// tearing down the UI surface takes the window with it
	f.cancel()
	require.ErrorIs(t, (<-done).err, types.ErrUserRejected)
}
