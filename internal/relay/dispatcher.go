package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gmax-telemetry/relay/internal/feed"
	"github.com/gmax-telemetry/relay/internal/metrics"
	"github.com/gmax-telemetry/relay/internal/queue"
	"github.com/gmax-telemetry/relay/internal/store"
)

// target is the resolved routing of one feed kind.
type target struct {
	dir   string
	queue queue.Target
}

// dispatcher drains the ingestion channel in receipt order and drives the
// extractor, the store and the publisher for each datagram. It is the only
// goroutine touching the store's handles during normal operation, so
// per-session write order follows receipt order by construction.
type dispatcher struct {
	in         <-chan Datagram
	extractor  *feed.Extractor
	store      *store.Store
	pub        queue.Publisher
	targets    map[feed.Kind]target
	pubTimeout time.Duration
	log        *zap.Logger
	m          *metrics.Metrics
}

// run processes datagrams until the ingestion channel is closed and fully
// drained. ctx bounds publish attempts only; it never abandons datagrams
// already in the channel.
func (d *dispatcher) run(ctx context.Context) {
	for dg := range d.in {
		d.process(ctx, dg)
	}
}

func (d *dispatcher) process(ctx context.Context, dg Datagram) {
	route, err := d.extractor.Extract(dg.Payload)
	if err != nil {
		d.m.Unrouted.Inc()
		d.log.Debug("Datagram unrouted",
			zap.Error(err), zap.Stringer("source", dg.Addr))
		if ferr := d.store.AppendFallback(dg.Received, dg.Payload); ferr != nil {
			d.m.StoreErrors.Inc()
			d.log.Error("Failed to persist unrouted datagram", zap.Error(ferr))
		}
		return
	}

	tgt := d.targets[route.Kind]

	// The store write must succeed before any fanout: publish failure then
	// only ever loses the live copy, never the datagram.
	if err := d.store.Append(tgt.dir, route.SessionKey, dg.Received, dg.Payload); err != nil {
		d.m.StoreErrors.Inc()
		d.log.Error("Failed to persist datagram",
			zap.String("feed", string(route.Kind)),
			zap.String("session", route.SessionKey),
			zap.Error(err))
		return
	}
	d.m.Stored.Inc()

	pctx, cancel := context.WithTimeout(ctx, d.pubTimeout)
	err = d.pub.Publish(pctx, tgt.queue, dg.Payload)
	cancel()
	if err != nil {
		d.m.PublishErrors.Inc()
		d.log.Warn("Failed to publish datagram, continuing storage-only",
			zap.String("feed", string(route.Kind)),
			zap.Error(err))
		return
	}
	d.m.Published.Inc()
}
