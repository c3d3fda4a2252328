package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/blockpuller/internal/puller"
	"github.com/tendermint/blockpuller/internal/puller/sim"
	"github.com/tendermint/blockpuller/libs/cli"
	"github.com/tendermint/blockpuller/libs/log"
)

func TestParseSimPeer(t *testing.T) {
	cases := []struct {
		arg      string
		expected simPeer
		err      bool
	}{
		{
			arg: "name=A,height=100,latency=20ms,jitter=5ms",
			expected: simPeer{
				profile: sim.Profile{Name: "A", Height: 100, Latency: 20 * time.Millisecond,
					Jitter: 5 * time.Millisecond, BlockSize: 16 << 10},
				advertised: 100,
			},
		},
		{
			arg: "name=liar, height=10, advertise=50, size=100, valid=3, invalid=1, drop=2",
			expected: simPeer{
				profile: sim.Profile{Name: "liar", Height: 10, BlockSize: 100,
					ValidWeight: 3, InvalidWeight: 1, DropWeight: 2},
				advertised: 50,
			},
		},
		{arg: "height=10", err: true},
		{arg: "name=A,height=x", err: true},
		{arg: "name=A,height=-1", err: true},
		{arg: "name=A,advertise=-1", err: true},
		{arg: "name=A,latency=fast", err: true},
		{arg: "name=A,color=red", err: true},
		{arg: "name=A,height", err: true},
		{arg: "name=A,drop=-1", err: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.arg, func(t *testing.T) {
			p, err := parseSimPeer(tc.arg)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, p)
		})
	}
}

func TestDefaultPeersParse(t *testing.T) {
	for _, s := range defaultPeers {
		_, err := parseSimPeer(s)
		require.NoError(t, err, s)
	}
}

func runSimulateCmd(ctx context.Context, t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	conf := clearConfig(t, root)
	logger := log.NewNopLogger()

	cmd := RootCommand(conf, logger)
	cmd.AddCommand(MakeSimulateCommand(conf, logger))
	var out bytes.Buffer
	cmd.SetOut(&out)

	args = append([]string{cmd.Use, "simulate", "--home", root}, args...)
	err := cli.RunWithArgs(ctx, cmd, args, nil)
	return out.String(), err
}

func TestSimulate(t *testing.T) {
	root := t.TempDir()
	out, err := runSimulateCmd(context.Background(), t, root,
		"--from", "1", "--to", "40",
		"--peer", "name=fast,height=40,latency=1ms",
		"--peer", "name=short,height=20,latency=2ms",
		"--puller.persist_scores",
		"--deadline", "30s",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "fast-")
	assert.Contains(t, out, "short-")
	assert.Contains(t, out, "PEER")
	assert.NotContains(t, out, "starved")

	db, err := dbm.NewDB("scores", dbm.GoLevelDBBackend, filepath.Join(root, "data"))
	require.NoError(t, err)
	defer db.Close()
	scores, err := puller.NewDBScoreStore(db).Scores()
	require.NoError(t, err)
	assert.Len(t, scores, 2)
}

func TestSimulateDeadline(t *testing.T) {
	root := t.TempDir()
	_, err := runSimulateCmd(context.Background(), t, root,
		"--from", "1", "--to", "5",
		"--peer", "name=silent,height=5,drop=1",
		"--deadline", "300ms",
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimulateBadArgs(t *testing.T) {
	for _, args := range [][]string{
		{"--from", "0"},
		{"--from", "10", "--to", "5"},
		{"--peer", "name=A,height=bad"},
	} {
		_, err := runSimulateCmd(context.Background(), t, t.TempDir(), args...)
		require.Error(t, err, args)
	}
}
