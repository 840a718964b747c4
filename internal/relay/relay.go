// Package relay wires the UDP listener, the ingestion channel, the
// dispatcher, the persisted packet store and the queue publisher into one
// supervised unit. Exactly two goroutines touch datagrams: the listener
// and the dispatcher, joined by a single bounded channel.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/Jeffail/shutdown"
	"go.uber.org/zap"

	"github.com/gmax-telemetry/relay/internal/config"
	"github.com/gmax-telemetry/relay/internal/feed"
	"github.com/gmax-telemetry/relay/internal/metrics"
	"github.com/gmax-telemetry/relay/internal/queue"
	"github.com/gmax-telemetry/relay/internal/store"
)

// Relay is the complete datagram relay. Construct with New, drive with
// Run, stop with Stop (or by cancelling Run's context); either way Run
// drains every datagram accepted before the stop before returning.
type Relay struct {
	conf config.Config
	log  *zap.Logger
	m    *metrics.Metrics

	store      *store.Store
	pub        queue.Publisher
	listener   *listener
	dispatcher *dispatcher

	shutSig *shutdown.Signaller
}

// Option customizes a Relay under construction.
type Option func(*Relay)

// WithPublisher substitutes the queue publisher, bypassing the one
// configured under queue. Used by tests.
func WithPublisher(pub queue.Publisher) Option {
	return func(r *Relay) {
		r.pub = pub
	}
}

// New validates conf and acquires all startup resources: the storage root
// and the UDP socket. Any error here is fatal by design, no datagram has
// been accepted yet.
func New(conf config.Config, logger *zap.Logger, opts ...Option) (*Relay, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	r := &Relay{
		conf:    conf,
		log:     logger,
		m:       metrics.New(),
		shutSig: shutdown.NewSignaller(),
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	if r.store, err = store.New(conf.Storage.Root, conf.Storage.MaxOpenFiles, conf.Storage.IdleTimeout.Dur(), logger); err != nil {
		return nil, err
	}

	if r.pub == nil {
		if r.pub, err = queue.New(conf.Queue, logger); err != nil {
			_ = r.store.Close()
			return nil, err
		}
	}

	kinds := make(map[int]feed.Kind, len(conf.Feeds))
	targets := make(map[feed.Kind]target, len(conf.Feeds))
	for _, f := range conf.Feeds {
		kinds[f.Discriminator] = feed.Kind(f.Kind)
		targets[feed.Kind(f.Kind)] = target{
			dir:   f.Directory,
			queue: queue.Target{List: f.List, Channel: f.Channel},
		}
	}

	ingest := make(chan Datagram, conf.ChannelCapacity)

	if r.listener, err = newListener(conf.ListenAddr, ingest, logger, r.m); err != nil {
		_ = r.store.Close()
		_ = r.pub.Close(context.Background())
		return nil, err
	}

	r.dispatcher = &dispatcher{
		in:         ingest,
		extractor:  feed.NewExtractor(kinds),
		store:      r.store,
		pub:        r.pub,
		targets:    targets,
		pubTimeout: conf.Queue.PublishTimeout.Dur(),
		log:        logger,
		m:          r.m,
	}
	return r, nil
}

// Addr returns the bound UDP address.
func (r *Relay) Addr() net.Addr {
	return r.listener.addr()
}

// Stop requests an orderly shutdown: stop receiving, drain, flush, close.
func (r *Relay) Stop() {
	r.shutSig.TriggerSoftStop()
}

// Run operates the relay until ctx is cancelled or Stop is called, then
// performs the drain-and-close sequence: close the socket, let the
// dispatcher empty the ingestion channel, close all store handles, close
// the publisher. Returns an error only if the drain had to be forced after
// the shutdown timeout.
func (r *Relay) Run(ctx context.Context) error {
	defer r.shutSig.TriggerHasStopped()

	connectCtx, connectDone := context.WithTimeout(ctx, 10*time.Second)
	if err := r.pub.Connect(connectCtx); err != nil {
		r.log.Warn("Queue backend unavailable, starting storage-only", zap.Error(err))
	}
	connectDone()

	var metricsSrv *http.Server
	if r.conf.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: r.conf.MetricsAddr, Handler: r.m.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.log.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	hardCtx, hardDone := r.shutSig.HardStopCtx(context.Background())
	defer hardDone()

	dispatchDone := make(chan struct{})
	go func() {
		r.dispatcher.run(hardCtx)
		close(dispatchDone)
	}()
	go r.listener.run(r.shutSig.HardStopChan())

	r.log.Info("Receiving udp telemetry datagrams", zap.Stringer("address", r.listener.addr()))

	select {
	case <-ctx.Done():
	case <-r.shutSig.SoftStopChan():
	}

	r.log.Info("Shutting down, draining buffered datagrams")
	r.listener.stop()

	var forced bool
	drainTimer := time.NewTimer(r.conf.ShutdownTimeout.Dur())
	defer drainTimer.Stop()
	select {
	case <-dispatchDone:
	case <-drainTimer.C:
		// A wedged store or queue target must not hang the process
		// indefinitely.
		forced = true
		r.shutSig.TriggerHardStop()
		select {
		case <-dispatchDone:
		case <-time.After(2 * time.Second):
		}
	}

	closeCtx, closeDone := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeDone()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(closeCtx)
	}
	if err := r.store.Close(); err != nil {
		r.log.Error("Failed to close session logs cleanly", zap.Error(err))
	}
	if err := r.pub.Close(closeCtx); err != nil {
		r.log.Error("Failed to close queue publisher cleanly", zap.Error(err))
	}

	if forced {
		return errors.New("shutdown timeout exceeded before the ingestion channel drained")
	}
	r.log.Info("Shutdown complete")
	return nil
}
