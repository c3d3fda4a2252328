package puller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/montanaflynn/stats"
	"github.com/sethvargo/go-retry"

	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/libs/log"
	"github.com/tendermint/blockpuller/libs/service"
	"github.com/tendermint/blockpuller/types"
)

const eventBufferSize = 128

type (
	evRequiredHeights struct {
		heights []int64
	}
	evPeerConnected struct {
		peerID types.NodeID
		height int64
	}
	evPeerDisconnected struct {
		peerID types.NodeID
	}
	evPeerHeight struct {
		peerID types.NodeID
		height int64
	}
	evBlockResult struct {
		result BlockResult
	}
	evSendFailed struct {
		peerID types.NodeID
		height int64
		err    error
	}
	evStatus struct {
		status Status
	}
)

type envelope struct {
	ev    interface{}
	errCh chan error
}

// PullerOption sets an optional parameter on the Puller.
type PullerOption func(*Puller)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) PullerOption {
	return func(p *Puller) { p.metrics = metrics }
}

// WithScoreStore persists peer scores in store.
func WithScoreStore(store ScoreStore) PullerOption {
	return func(p *Puller) { p.store = store }
}

// Puller schedules block downloads across peers.
//
// All state is owned by a single goroutine. The exported methods hand their
// arguments over to it and wait for the result, so they are safe to call
// concurrently and observe each other in call order. Requests are sent to
// the Network from a worker pool and never block the scheduling loop.
type Puller struct {
	service.BaseService
	logger log.Logger

	cfg     *config.PullerConfig
	network Network
	metrics *Metrics
	store   ScoreStore
	now     func() time.Time

	quality *QualityTracker
	sc      *schedule

	events chan envelope
	done   chan struct{}
	cancel context.CancelFunc
	wp     *workerpool.WorkerPool
}

// NewPuller returns a new puller. It has no required heights and no peers
// until told otherwise.
func NewPuller(
	logger log.Logger,
	cfg *config.PullerConfig,
	network Network,
	options ...PullerOption,
) (*Puller, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid puller config: %w", err)
	}

	p := &Puller{
		logger:  logger,
		cfg:     cfg,
		network: network,
		metrics: NopMetrics(),
		now:     time.Now,
		events:  make(chan envelope, eventBufferSize),
		done:    make(chan struct{}),
	}
	for _, option := range options {
		option(p)
	}

	quality, err := NewQualityTracker(logger, cfg, p.store)
	if err != nil {
		return nil, err
	}
	p.quality = quality
	p.sc = newSchedule(logger, cfg, quality)
	p.BaseService = *service.NewBaseService(logger, "Puller", p)
	return p, nil
}

// OnStart implements service.Service.
func (p *Puller) OnStart(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wp = workerpool.New(p.cfg.DispatchWorkers)
	go p.processEvents(ctx)
	return nil
}

// OnStop implements service.Service. Scores are flushed to the store once
// all in-flight sends have returned.
func (p *Puller) OnStop() {
	p.cancel()
	<-p.done
	p.wp.StopWait()

	if err := p.quality.Flush(); err != nil {
		p.logger.Error("failed to persist peer scores", "err", err)
	}
}

// NotifyRequiredHeights adds heights to the set of blocks to download.
// Heights already required are ignored.
func (p *Puller) NotifyRequiredHeights(ctx context.Context, heights ...int64) error {
	for _, height := range heights {
		if height < 0 {
			return invalidInput("negative height %d", height)
		}
	}
	if len(heights) == 0 {
		return nil
	}
	hs := make([]int64, len(heights))
	copy(hs, heights)
	return p.send(ctx, evRequiredHeights{heights: hs})
}

// NotifyPeerConnected makes the peer available for requests.
func (p *Puller) NotifyPeerConnected(ctx context.Context, peerID types.NodeID, height int64) error {
	if err := (PeerInfo{ID: peerID, Height: height}).Validate(); err != nil {
		return err
	}
	return p.send(ctx, evPeerConnected{peerID: peerID, height: height})
}

// NotifyPeerDisconnected removes the peer. Its in-flight heights are
// requested from other peers.
func (p *Puller) NotifyPeerDisconnected(ctx context.Context, peerID types.NodeID) error {
	if err := peerID.Validate(); err != nil {
		return invalidInput("peer %q: %v", peerID, err)
	}
	return p.send(ctx, evPeerDisconnected{peerID: peerID})
}

// NotifyPeerHeight updates the chain height a peer advertises.
func (p *Puller) NotifyPeerHeight(ctx context.Context, peerID types.NodeID, height int64) error {
	if err := (PeerInfo{ID: peerID, Height: height}).Validate(); err != nil {
		return err
	}
	return p.send(ctx, evPeerHeight{peerID: peerID, height: height})
}

// DeliverBlockResult reports the outcome of a block request. Results for
// requests that are no longer in flight, e.g. because they already timed out,
// are ignored.
func (p *Puller) DeliverBlockResult(ctx context.Context, result BlockResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	return p.send(ctx, evBlockResult{result: result})
}

// Status returns a snapshot of the puller state.
func (p *Puller) Status(ctx context.Context) (Status, error) {
	ev := &evStatus{}
	if err := p.send(ctx, ev); err != nil {
		return Status{}, err
	}
	return ev.status, nil
}

func (p *Puller) send(ctx context.Context, ev interface{}) error {
	if !p.IsRunning() {
		return ErrPullerStopped
	}

	errCh := make(chan error, 1)
	select {
	case p.events <- envelope{ev: ev, errCh: errCh}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPullerStopped
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPullerStopped
	}
}

func (p *Puller) processEvents(ctx context.Context) {
	defer close(p.done)

	sweepTicker := time.NewTicker(p.cfg.SweepInterval)
	defer sweepTicker.Stop()
	rebalanceTicker := time.NewTicker(p.cfg.RebalanceInterval)
	defer rebalanceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case e := <-p.events:
			err := p.handle(ctx, e.ev)
			if e.errCh != nil {
				e.errCh <- err
			}

		case <-sweepTicker.C:
			p.sweepTimeouts()

		case <-rebalanceTicker.C:
			// nextRequests decides whether a pass is due
		}

		p.dispatch(ctx)
		p.updateMetrics()
	}
}

func (p *Puller) handle(ctx context.Context, ev interface{}) error {
	now := p.now()

	switch ev := ev.(type) {
	case evRequiredHeights:
		added := p.sc.addRequired(ev.heights...)
		p.logger.Debug("required heights", "added", added, "required", len(p.sc.required))

	case evPeerConnected:
		if err := p.sc.addPeer(ev.peerID, ev.height); err != nil {
			return err
		}
		p.logger.Info("peer connected", "peer", ev.peerID, "height", ev.height)

	case evPeerDisconnected:
		requeued, err := p.sc.removePeer(ev.peerID)
		if err != nil {
			return err
		}
		p.logger.Info("peer disconnected", "peer", ev.peerID, "requeued", len(requeued))

	case evPeerHeight:
		return p.sc.setPeerHeight(ev.peerID, ev.height)

	case evBlockResult:
		p.handleBlockResult(ev.result, now)

	case evSendFailed:
		if p.sc.markTimedOut(ev.peerID, ev.height, now) {
			p.metrics.SendFailures.Add(1)
			p.logger.Error("failed to request block", "peer", ev.peerID, "height", ev.height, "err", ev.err)
		}

	case *evStatus:
		p.dispatch(ctx)
		ev.status = p.sc.status()

	default:
		return fmt.Errorf("unknown event %T", ev)
	}
	return nil
}

func (p *Puller) handleBlockResult(r BlockResult, now time.Time) {
	var ok bool
	switch r.Outcome {
	case OutcomeValidated:
		var elapsed time.Duration
		if elapsed, ok = p.sc.markDelivered(r.PeerID, r.Height, r.Size, now); ok {
			p.metrics.BlocksDelivered.Add(1)
			p.metrics.DeliveryLatency.Observe(elapsed.Seconds())
		}
	case OutcomeInvalid:
		if ok = p.sc.markInvalid(r.PeerID, r.Height, now); ok {
			p.metrics.InvalidBlocks.Add(1)
			p.logger.Info("peer sent invalid block", "peer", r.PeerID, "height", r.Height)
		}
	case OutcomeTimeout:
		if ok = p.sc.markTimedOut(r.PeerID, r.Height, now); ok {
			p.metrics.Timeouts.Add(1)
		}
	}
	if !ok {
		p.logger.Debug("ignoring result of a request that is not in flight",
			"peer", r.PeerID, "height", r.Height, "outcome", r.Outcome)
	}
}

func (p *Puller) sweepTimeouts() {
	expired := p.sc.sweepTimeouts(p.now())
	for _, req := range expired {
		p.logger.Info("block request timed out", "peer", req.peerID, "height", req.height)
	}
	p.metrics.Timeouts.Add(float64(len(expired)))
}

func (p *Puller) dispatch(ctx context.Context) {
	reqs, a := p.sc.nextRequests(p.now())
	if a != nil {
		p.metrics.AssignmentPasses.Add(1)
		p.metrics.SpeculativeHeights.Set(float64(len(a.Speculative)))
		p.metrics.DeferredHeights.Set(float64(len(a.Deferred)))
	}

	for _, req := range reqs {
		req := req
		p.metrics.RequestsSent.Add(1)
		p.wp.Submit(func() { p.sendRequest(ctx, req) })
	}
}

// sendRequest runs on the worker pool.
func (p *Puller) sendRequest(ctx context.Context, req request) {
	backoff := retry.WithMaxRetries(p.cfg.SendRetries, retry.NewExponential(p.cfg.SendBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := p.network.RequestBlock(ctx, req.peerID, req.height)
		if errors.Is(err, ErrPeerBusy) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil || ctx.Err() != nil {
		return
	}

	select {
	case p.events <- envelope{ev: evSendFailed{peerID: req.peerID, height: req.height, err: err}}:
	case <-ctx.Done():
	}
}

func (p *Puller) updateMetrics() {
	st := p.sc.status()
	p.metrics.Peers.Set(float64(len(st.Peers)))
	p.metrics.RequiredHeights.Set(float64(st.Required))
	p.metrics.InFlightRequests.Set(float64(st.InFlight))
	p.metrics.QueuedHeights.Set(float64(st.Queued))
	p.metrics.StarvedHeights.Set(float64(len(st.Starved)))
	p.metrics.StalledHeights.Set(float64(len(st.Stalled)))

	var minScore, median, maxScore float64
	if len(st.Peers) > 0 {
		scores := make(stats.Float64Data, 0, len(st.Peers))
		for _, peer := range st.Peers {
			scores = append(scores, peer.Score)
		}
		minScore, _ = scores.Min()
		median, _ = scores.Median()
		maxScore, _ = scores.Max()
	}
	p.metrics.MinPeerScore.Set(minScore)
	p.metrics.MedianPeerScore.Set(median)
	p.metrics.MaxPeerScore.Set(maxScore)
}
