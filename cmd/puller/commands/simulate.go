package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/blockpuller/config"
	"github.com/tendermint/blockpuller/internal/puller"
	"github.com/tendermint/blockpuller/internal/puller/sim"
	"github.com/tendermint/blockpuller/libs/log"
)

const (
	statusPollInterval = 50 * time.Millisecond
	metricsShutdown    = 5 * time.Second
)

// defaultPeers is used when no --peer flag is given: four peers on chains of
// different lengths, the longest one also the fastest.
var defaultPeers = []string{
	"name=A,height=400,latency=40ms,jitter=10ms",
	"name=B,height=2000,latency=20ms,jitter=10ms",
	"name=C,height=3000,latency=30ms,jitter=20ms,invalid=1,valid=50",
	"name=D,height=4000,latency=10ms,jitter=5ms",
}

// simPeer is a simulated peer as given on the command line.
type simPeer struct {
	profile    sim.Profile
	advertised int64
}

// parseSimPeer parses a comma separated list of key=value pairs. Recognized
// keys: name, height, advertise, latency, jitter, size, valid, invalid and
// drop. advertise defaults to height.
func parseSimPeer(s string) (simPeer, error) {
	var (
		p            simPeer
		advertiseSet bool
	)
	p.profile.BlockSize = 16 << 10

	for _, kv := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok {
			return simPeer{}, fmt.Errorf("peer %q: expected key=value, got %q", s, kv)
		}

		var err error
		switch key {
		case "name":
			p.profile.Name = value
		case "height":
			p.profile.Height, err = strconv.ParseInt(value, 10, 64)
		case "advertise":
			p.advertised, err = strconv.ParseInt(value, 10, 64)
			advertiseSet = true
		case "latency":
			p.profile.Latency, err = time.ParseDuration(value)
		case "jitter":
			p.profile.Jitter, err = time.ParseDuration(value)
		case "size":
			p.profile.BlockSize, err = strconv.ParseInt(value, 10, 64)
		case "valid", "invalid", "drop":
			var w uint64
			w, err = strconv.ParseUint(value, 10, 32)
			switch key {
			case "valid":
				p.profile.ValidWeight = uint(w)
			case "invalid":
				p.profile.InvalidWeight = uint(w)
			default:
				p.profile.DropWeight = uint(w)
			}
		default:
			return simPeer{}, fmt.Errorf("peer %q: unknown key %q", s, key)
		}
		if err != nil {
			return simPeer{}, fmt.Errorf("peer %q: bad value %q: %w", s, kv, err)
		}
	}

	if !advertiseSet {
		p.advertised = p.profile.Height
	}
	if err := p.profile.Validate(); err != nil {
		return simPeer{}, fmt.Errorf("peer %q: %w", s, err)
	}
	if p.advertised < 0 {
		return simPeer{}, fmt.Errorf("peer %q: negative advertised height", s)
	}
	return p, nil
}

// AddPullerFlags exposes the most used [puller] options as flags.
func AddPullerFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().Duration("puller.request_timeout", conf.Puller.RequestTimeout,
		"time after which a block request is treated as timed out")
	cmd.Flags().Duration("puller.rebalance_interval", conf.Puller.RebalanceInterval,
		"maximum time between two assignment passes")
	cmd.Flags().Int("puller.max_pending_per_peer", conf.Puller.MaxPendingPerPeer,
		"maximum number of outstanding requests per peer")
	cmd.Flags().Int("puller.max_requests_per_height", conf.Puller.MaxRequestsPerHeight,
		"maximum number of concurrent requests for the same height")
	cmd.Flags().Bool("puller.persist_scores", conf.Puller.PersistScores,
		"persist peer scores in the database")
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus,
		"serve Prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus_listen_addr", conf.Instrumentation.PrometheusListenAddr,
		"address of the Prometheus metrics server")
}

// MakeSimulateCommand returns the command that runs the puller against a
// simulated network until all requested heights are downloaded.
func MakeSimulateCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var (
		peerArgs []string
		from, to int64
		seed     int64
		deadline time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Download a range of blocks from simulated peers and print per-peer statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from < 1 || to < from {
				return fmt.Errorf("invalid height range [%d, %d]", from, to)
			}
			if len(peerArgs) == 0 {
				peerArgs = defaultPeers
			}
			peers := make([]simPeer, 0, len(peerArgs))
			for _, s := range peerArgs {
				p, err := parseSimPeer(s)
				if err != nil {
					return err
				}
				peers = append(peers, p)
			}

			ctx := cmd.Context()
			if deadline > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, deadline)
				defer cancel()
			}
			return runSimulation(ctx, conf, logger, cmd.OutOrStdout(), peers, from, to, seed)
		},
	}

	cmd.Flags().StringArrayVar(&peerArgs, "peer", nil,
		"simulated peer, e.g. name=A,height=100,latency=20ms,jitter=5ms,invalid=1,valid=20 (repeatable)")
	cmd.Flags().Int64Var(&from, "from", 1, "first height to download")
	cmd.Flags().Int64Var(&to, "to", 1000, "last height to download")
	cmd.Flags().Int64Var(&seed, "seed", 1, "seed of the simulated network")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "give up after this long (0 waits forever)")
	AddPullerFlags(cmd, conf)
	return cmd
}

func runSimulation(
	ctx context.Context,
	conf *config.Config,
	logger log.Logger,
	out io.Writer,
	peers []simPeer,
	from, to int64,
	seed int64,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var opts []puller.PullerOption
	if conf.Puller.PersistScores {
		db, err := dbm.NewDB("scores", dbm.BackendType(conf.DBBackend), conf.DBDir())
		if err != nil {
			return fmt.Errorf("failed to open score database: %w", err)
		}
		defer db.Close()
		opts = append(opts, puller.WithScoreStore(puller.NewDBScoreStore(db)))
	}

	if conf.Instrumentation.Prometheus {
		opts = append(opts, puller.WithMetrics(puller.PrometheusMetrics(conf.Instrumentation.Namespace)))
	}

	network := sim.NewNetwork(logger, seed)
	p, err := puller.NewPuller(logger, conf.Puller, network, opts...)
	if err != nil {
		return err
	}
	network.SetSink(p)

	g, gctx := errgroup.WithContext(ctx)
	if conf.Instrumentation.Prometheus {
		srv := &http.Server{
			Addr:              conf.Instrumentation.PrometheusListenAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), metricsShutdown)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	var st puller.Status
	g.Go(func() error {
		defer cancel()
		if err := p.Start(gctx); err != nil {
			return err
		}
		defer func() {
			_ = p.Stop()
			p.Wait()
			network.Wait()
		}()

		start := time.Now()
		s, err := download(gctx, p, network, peers, from, to)
		if err != nil {
			return err
		}
		st = s
		logger.Info("simulation finished", "blocks", to-from+1, "took", time.Since(start))
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprint(out, network.Summary().String())
	if len(st.Starved) > 0 || len(st.Stalled) > 0 {
		fmt.Fprintf(out, "starved: %v stalled: %v\n", st.Starved, st.Stalled)
	}
	return nil
}

// download connects the peers, requires [from, to] and waits until nothing
// is left to download.
func download(
	ctx context.Context,
	p *puller.Puller,
	network *sim.Network,
	peers []simPeer,
	from, to int64,
) (puller.Status, error) {
	for _, peer := range peers {
		id, err := network.AddPeer(peer.profile)
		if err != nil {
			return puller.Status{}, err
		}
		if err := p.NotifyPeerConnected(ctx, id, peer.advertised); err != nil {
			return puller.Status{}, err
		}
	}

	heights := make([]int64, 0, to-from+1)
	for h := from; h <= to; h++ {
		heights = append(heights, h)
	}
	if err := p.NotifyRequiredHeights(ctx, heights...); err != nil {
		return puller.Status{}, err
	}

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		st, err := p.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return st, fmt.Errorf("download interrupted: %w", ctx.Err())
			}
			return puller.Status{}, err
		}
		if st.Required == 0 {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, fmt.Errorf("%d heights left: %w", st.Required, ctx.Err())
		case <-ticker.C:
		}
	}
}
