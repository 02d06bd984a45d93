package approval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/sophon-keeper/types"
)

func TestSingleWindowInvariant(t *testing.T) {
	ctx := context.Background()
	m := NewUIConnManager(types.NewPubsub[types.WindowEvent](16), types.DefaultConfig())

	// no surface registered yet
	_, err := m.OpenWindow(ctx)
	require.Error(t, err)

	_, err = m.RegisterUI(ctx)
	require.NoError(t, err)

	id, err := m.OpenWindow(ctx)
	require.NoError(t, err)
	require.Equal(t, id, m.OpenWindowID())

	_, err = m.OpenWindow(ctx)
	require.Error(t, err)

	require.NoError(t, m.CloseWindow(id))
	require.Equal(t, uuid.Nil, m.OpenWindowID())

	// closing an already closed window is idempotent
	require.NoError(t, m.CloseWindow(id))

	_, err = m.OpenWindow(ctx)
	require.NoError(t, err)
}

func TestStaleWindowReportRejected(t *testing.T) {
	ctx := context.Background()
	events := types.NewPubsub[types.WindowEvent](16)
	m := NewUIConnManager(events, types.DefaultConfig())

	_, err := m.RegisterUI(ctx)
	require.NoError(t, err)

	require.Error(t, m.ReportEvent(types.WindowFocusLost, uuid.New()))

	id, err := m.OpenWindow(ctx)
	require.NoError(t, err)
	require.Error(t, m.ReportEvent(types.WindowRemoved, uuid.New()))

	ch, unsub := events.Subscribe()
	defer unsub()
	require.NoError(t, m.ReportEvent(types.WindowRemoved, id))

	select {
	case ev := <-ch:
		require.Equal(t, types.WindowRemoved, ev.Kind)
		require.Equal(t, id, ev.WindowID)
	case <-time.After(time.Second):
		t.Fatal("no window event")
	}

	// a removed window is forgotten, later reports for it are stale
	require.Error(t, m.ReportEvent(types.WindowFocusLost, id))
}

func TestReconnectReplacesSurface(t *testing.T) {
	m := NewUIConnManager(types.NewPubsub[types.WindowEvent](16), types.DefaultConfig())

	first, err := m.RegisterUI(context.Background())
	require.NoError(t, err)
	_, err = m.RegisterUI(context.Background())
	require.NoError(t, err)

	// the replaced channel closes so the old surface unwinds
	select {
	case _, ok := <-first:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stale channel not closed")
	}
}
