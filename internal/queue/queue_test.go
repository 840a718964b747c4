package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gmax-telemetry/relay/internal/config"
)

func TestNewModeNone(t *testing.T) {
	pub, err := New(config.Queue{Mode: "none"}, zap.NewNop())
	require.NoError(t, err)

	_, isNoop := pub.(Noop)
	assert.True(t, isNoop)
	require.NoError(t, pub.Publish(context.Background(), Target{List: "foo"}, []byte("bar")))
}

func TestNewBadURL(t *testing.T) {
	_, err := New(config.Queue{Mode: "list", URL: "://nope"}, zap.NewNop())
	require.Error(t, err)
}

func TestPublishEmptyTargetSkipsConnection(t *testing.T) {
	// Points at nothing; an empty effective target must return before any
	// dial is attempted.
	pub, err := New(config.Queue{Mode: "list", URL: "redis://127.0.0.1:1"}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), Target{}, []byte("bar")))

	// Mode list masks a channel-only target the same way.
	require.NoError(t, pub.Publish(context.Background(), Target{Channel: "chan"}, []byte("bar")))
}

func TestPublishUnreachableBackendFails(t *testing.T) {
	pub, err := New(config.Queue{Mode: "list", URL: "redis://127.0.0.1:1", MaxRetries: 1}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.Error(t, pub.Publish(ctx, Target{List: "foo"}, []byte("bar")))
	require.NoError(t, pub.Close(context.Background()))
}
