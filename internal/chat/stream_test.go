package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

func newTestStreamManager() *StreamManager {
	return NewStreamManager(logger.New(&logger.Config{Level: "error"}))
}

func TestTryRegisterStreamIsExclusive(t *testing.T) {
	m := newTestStreamManager()
	ctx := context.Background()

	streamCtx, err := m.TryRegisterStream(ctx, "sess_1")
	require.NoError(t, err)
	require.NoError(t, streamCtx.Err())
	require.True(t, m.HasActiveStream("sess_1"))

	_, err = m.TryRegisterStream(ctx, "sess_1")
	require.ErrorIs(t, err, domain.ErrValidation)

	// Different keys never collide.
	_, err = m.TryRegisterStream(ctx, "sess_2")
	require.NoError(t, err)
	require.Equal(t, 2, m.ActiveStreamCount())
}

func TestCancelStreamSignalsContext(t *testing.T) {
	m := newTestStreamManager()

	streamCtx, err := m.TryRegisterStream(context.Background(), "sess_1")
	require.NoError(t, err)

	require.True(t, m.CancelStream("sess_1"))
	require.ErrorIs(t, streamCtx.Err(), context.Canceled)
	require.False(t, m.HasActiveStream("sess_1"))

	// Nothing left to cancel.
	require.False(t, m.CancelStream("sess_1"))
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	m := newTestStreamManager()

	_, err := m.TryRegisterStream(context.Background(), "sess_1")
	require.NoError(t, err)

	guard := m.Guard("sess_1")
	guard.Release()
	guard.Release()
	require.False(t, m.HasActiveStream("sess_1"))

	// The key is reusable immediately after release.
	_, err = m.TryRegisterStream(context.Background(), "sess_1")
	require.NoError(t, err)
}

func TestGoReleasesStreamOnPanic(t *testing.T) {
	m := newTestStreamManager()

	_, err := m.TryRegisterStream(context.Background(), "sess_1")
	require.NoError(t, err)

	m.Go("sess_1", func() {
		panic("stream blew up")
	})

	require.True(t, m.ShutdownTasks(time.Second))
	require.False(t, m.HasActiveStream("sess_1"))

	// A panicked stream must not poison the session key.
	_, err = m.TryRegisterStream(context.Background(), "sess_1")
	require.NoError(t, err)
}

func TestTrackCountsTowardShutdown(t *testing.T) {
	m := newTestStreamManager()

	release := make(chan struct{})
	m.Track(func() {
		<-release
	})

	// Shutdown must wait for tracked tasks even when no guard is held.
	require.False(t, m.ShutdownTasks(50*time.Millisecond))
	close(release)
	require.True(t, m.ShutdownTasks(time.Second))
}

func TestShutdownTasksTimesOut(t *testing.T) {
	m := newTestStreamManager()

	_, err := m.TryRegisterStream(context.Background(), "sess_1")
	require.NoError(t, err)

	release := make(chan struct{})
	m.Go("sess_1", func() {
		<-release
	})

	require.False(t, m.ShutdownTasks(50*time.Millisecond))
	close(release)
	require.True(t, m.ShutdownTasks(time.Second))
}
