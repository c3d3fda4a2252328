package sim

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/tendermint/blockpuller/types"
)

// PeerSummary describes what a simulated peer was asked for.
type PeerSummary struct {
	ID       types.NodeID
	Profile  Profile
	Requests int
	Served   int
	Invalid  int
	Dropped  int
	// Share is the fraction of all validated blocks served by this peer.
	Share       float64
	MeanLatency time.Duration
	P95Latency  time.Duration
}

// Summary describes a simulation run.
type Summary struct {
	Peers  []PeerSummary
	Served int
}

// Summary returns per-peer statistics, in the order the peers were added.
func (n *Network) Summary() Summary {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	var s Summary
	for _, id := range n.order {
		s.Served += n.peers[id].served
	}

	for _, id := range n.order {
		peer := n.peers[id]
		ps := PeerSummary{
			ID:       id,
			Profile:  peer.profile,
			Requests: peer.requests,
			Served:   peer.served,
			Invalid:  peer.invalid,
			Dropped:  peer.dropped,
		}
		if s.Served > 0 {
			ps.Share = float64(peer.served) / float64(s.Served)
		}
		if len(peer.latencies) > 0 {
			data := stats.Float64Data(peer.latencies)
			if mean, err := stats.Mean(data); err == nil {
				ps.MeanLatency = seconds(mean)
			}
			if p95, err := stats.Percentile(data, 95); err == nil {
				ps.P95Latency = seconds(p95)
			}
		}
		s.Peers = append(s.Peers, ps)
	}
	return s
}

func (s Summary) String() string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tHEIGHT\tREQUESTS\tSERVED\tINVALID\tDROPPED\tSHARE\tMEAN\tP95")
	for _, p := range s.Peers {
		fmt.Fprintf(w, "%v\t%d\t%d\t%d\t%d\t%d\t%.1f%%\t%v\t%v\n",
			p.ID, p.Profile.Height, p.Requests, p.Served, p.Invalid, p.Dropped,
			p.Share*100, p.MeanLatency.Round(time.Millisecond), p.P95Latency.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "total\t\t\t%d\t\t\t\t\t\n", s.Served)
	_ = w.Flush()
	return sb.String()
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
