package computation

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue/local"
	"github.com/devrev/pairdb/stream-node/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type noop struct{ Base }

func (noop) ProcessRecord(Context, string, model.Record) error { return nil }

func TestAbortStartReleasesTailers(t *testing.T) {
	ctx := context.Background()
	log, err := local.New(local.Config{Dir: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	topology, err := NewTopologyBuilder().
		AddComputation(func() Computation { return &noop{Base: NewBase("C1", 1, 0)} }, []string{"i1:input"}).
		Build()
	require.NoError(t, err)
	m := NewManager(log, Config{Name: t.Name(), ReadTimeout: 50 * time.Millisecond}, zaptest.NewLogger(t), nil)
	t.Cleanup(m.Shutdown)
	require.NoError(t, m.Init(ctx, topology, NewSettings(2, 2)))

	// one runner submitted, the other left behind by a failed submit
	runners := make(map[string][]*runner)
	for slot, partitions := range m.assignments["C1"] {
		tailer, err := log.CreateTailer(ctx, "C1", partitions)
		require.NoError(t, err)
		runners["C1"] = append(runners["C1"], newRunner(m, "C1", slot, tailer))
	}
	require.Len(t, runners["C1"], 2)
	pool := workerpool.NewWorkerPool(workerpool.Config{Name: "C1", MaxWorkers: 1})
	first := runners["C1"][0]
	require.NoError(t, pool.Submit(workerpool.Task{ID: first.id(), Fn: first.run}))

	m.abortStart(runners, map[string]*workerpool.WorkerPool{"C1": pool})
	assert.True(t, pool.AwaitTermination(5*time.Second))

	require.NoError(t, m.Start(ctx))
	assert.Equal(t, StateRunning, m.State())
}
