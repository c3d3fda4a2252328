/*
Package puller implements the block download scheduler of a syncing node: it
decides which connected peer is asked for which missing block.

The package is made of three layers.

AssignBlocks is a pure function that partitions a set of required heights
across peers. A peer is only given heights at or below its advertised chain
height, except for heights no peer advertises, which go to the tallest peers
as a best-effort guess. Among eligible peers, work is split in proportion to
the peer quality score using a running credit per peer, and ties are broken
by peer ID so that identical inputs always give identical assignments.

QualityTracker keeps a score per peer. Validated deliveries move the score
toward the observed throughput with an exponential moving average, timeouts
and invalid blocks cut it multiplicatively. Scores of departed peers are
remembered so a reconnecting peer does not start from scratch, and can be
persisted in a database.

Puller is the service that owns the required heights, the in-flight requests
and the peer set. Every inbound notification is funneled into one goroutine,
which runs assignment passes, hands requests to a worker pool that talks to
the network, sweeps for timed out requests and reconciles results:

	Required -> Assigned -> InFlight -> Delivered
	                           |
	                           +-> TimedOut | Disconnected | Invalid -> Required

A peer that delivered an invalid block, or timed out, is kept away from that
particular height for a cooldown, but remains eligible for all other heights.
*/
package puller
