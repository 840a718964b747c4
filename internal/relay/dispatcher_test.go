package relay

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gmax-telemetry/relay/internal/feed"
	"github.com/gmax-telemetry/relay/internal/metrics"
	"github.com/gmax-telemetry/relay/internal/queue"
	"github.com/gmax-telemetry/relay/internal/store"
)

//------------------------------------------------------------------------------

type published struct {
	target  queue.Target
	payload string
}

// stubPublisher records publishes and optionally fails them all.
type stubPublisher struct {
	mu        sync.Mutex
	published []published
	fail      bool
	onPublish func()
}

func (s *stubPublisher) Connect(context.Context) error { return nil }

func (s *stubPublisher) Publish(_ context.Context, target queue.Target, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onPublish != nil {
		s.onPublish()
	}
	if s.fail {
		return fmt.Errorf("queue backend unreachable")
	}
	s.published = append(s.published, published{target: target, payload: string(payload)})
	return nil
}

func (s *stubPublisher) Close(context.Context) error { return nil }

func (s *stubPublisher) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.published))
	for _, p := range s.published {
		out = append(out, p.payload)
	}
	return out
}

//------------------------------------------------------------------------------

func testTargets() map[feed.Kind]target {
	return map[feed.Kind]target{
		feed.Points:   {dir: "points", queue: queue.Target{List: "gmax:queue:points"}},
		feed.Progress: {dir: "progress", queue: queue.Target{List: "gmax:queue:progress"}},
		feed.Probs:    {dir: "probs", queue: queue.Target{List: "gmax:queue:probs"}},
	}
}

func testDispatcher(t *testing.T, pub queue.Publisher) (*dispatcher, chan Datagram, string) {
	t.Helper()
	root := t.TempDir()
	st, err := store.New(root, 16, 0, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, st.Close())
	})

	in := make(chan Datagram, 64)
	d := &dispatcher{
		in:         in,
		extractor:  feed.NewExtractor(feed.DefaultKinds()),
		store:      st,
		pub:        pub,
		targets:    testTargets(),
		pubTimeout: time.Second,
		log:        zap.NewNop(),
		m:          metrics.New(),
	}
	return d, in, root
}

func enqueue(in chan<- Datagram, payloads ...string) {
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
	for i, p := range payloads {
		in <- Datagram{
			Payload:  []byte(p),
			Addr:     src,
			Received: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
	}
}

func sessionLines(root, dir, session string) []string {
	b, err := os.ReadFile(filepath.Join(root, dir, session+".txt"))
	if err != nil {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

func payloadOf(line string) string {
	_, payload, _ := strings.Cut(line, ";")
	return payload
}

//------------------------------------------------------------------------------

// A valid progress record, a truncated record, then a
// second valid record for the same sharecode.
func TestDispatcherMalformedRecordBetweenValidOnes(t *testing.T) {
	pub := &stubPublisher{}
	d, in, root := testDispatcher(t, pub)

	first := `{"K":5,"I":"00202003151552","R":1}`
	truncated := `{"K":5,"I":"00202003`
	second := `{"K":5,"I":"00202003151552","R":2}`
	enqueue(in, first, truncated, second)
	close(in)

	d.run(context.Background())

	lines := sessionLines(root, "progress", "00202003151552")
	require.Len(t, lines, 2)
	assert.Equal(t, first, payloadOf(lines[0]))
	assert.Equal(t, second, payloadOf(lines[1]))

	fallback := sessionLines(root, store.FallbackDir, time.Now().UTC().Format("20060102"))
	require.Len(t, fallback, 1)
	assert.Equal(t, truncated, payloadOf(fallback[0]))

	// Only stored datagrams reach the queue.
	assert.Equal(t, []string{first, second}, pub.payloads())
}

func TestDispatcherRoutesByFeedKind(t *testing.T) {
	pub := &stubPublisher{}
	d, in, root := testDispatcher(t, pub)

	enqueue(in,
		`{"K":5,"I":"00202003151552"}`,
		`{"K":0,"I":"002020031515521"}`,
		`{"K":6,"I":"00202003151552"}`,
	)
	close(in)

	d.run(context.Background())

	assert.Len(t, sessionLines(root, "progress", "00202003151552"), 1)
	assert.Len(t, sessionLines(root, "points", "002020031515521"), 1)
	assert.Len(t, sessionLines(root, "probs", "00202003151552"), 1)
}

// Queue unavailability must not prevent or delay store writes: storage
// content is identical with and without a live queue backend.
func TestDispatcherPublishFailureNeverLosesData(t *testing.T) {
	pub := &stubPublisher{fail: true}
	d, in, root := testDispatcher(t, pub)

	payloads := make([]string, 20)
	for i := range payloads {
		payloads[i] = fmt.Sprintf(`{"K":5,"I":"00202003151552","R":%v}`, i)
	}
	enqueue(in, payloads...)
	close(in)

	d.run(context.Background())

	lines := sessionLines(root, "progress", "00202003151552")
	require.Len(t, lines, 20)
	for i, line := range lines {
		assert.Equal(t, payloads[i], payloadOf(line))
	}
	assert.Empty(t, pub.payloads())
}

// The store write for a datagram completes before its publish begins.
func TestDispatcherStoresBeforePublishing(t *testing.T) {
	var d *dispatcher
	var root string

	seen := 0
	pub := &stubPublisher{}
	pub.onPublish = func() {
		seen++
		lines := sessionLines(root, "progress", "00202003151552")
		if len(lines) < seen {
			panic("publish observed before store write")
		}
	}

	d, in, r := testDispatcher(t, pub)
	root = r

	enqueue(in,
		`{"K":5,"I":"00202003151552","R":1}`,
		`{"K":5,"I":"00202003151552","R":2}`,
	)
	close(in)

	d.run(context.Background())
	assert.Equal(t, 2, seen)
}
