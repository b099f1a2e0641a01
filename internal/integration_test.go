// Package internal contains integration tests that exercise the packages
// together: a config file is loaded, turned into group specs and served by a
// pool running in-process workers.
package internal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/forkpool/internal/config"
	"github.com/Iron-Ham/forkpool/internal/event"
	"github.com/Iron-Ham/forkpool/internal/ipc"
	"github.com/Iron-Ham/forkpool/internal/logging"
	"github.com/Iron-Ham/forkpool/internal/pool"
	"github.com/Iron-Ham/forkpool/internal/state"
)

const integrationConfig = `
pool:
  tick_interval: 20ms
  start_timeout: 5s
  shutdown_timeout: 5s
  runner: inprocess
logging:
  level: debug
groups:
  - name: resize-small
    kind: job
    entry: echo
    min_workers: 2
    max_workers: 2
  - name: resize-large
    kind: job
    entry: echo
    min_workers: 1
    max_workers: 3
    scaling:
      policy: threshold
      scale_up_threshold: 50
`

func loadPool(t *testing.T) (*pool.Pool, []pool.GroupSpec, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "forkpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(integrationConfig), 0644))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	cfg.Pool.RunDir = dir

	specs, err := config.BuildGroups(cfg)
	require.NoError(t, err)
	opts, err := config.PoolOptions(cfg, logging.NopLogger())
	require.NoError(t, err)

	p := pool.New(opts...)
	for _, spec := range specs {
		_, err := p.DescribeGroup(spec)
		require.NoError(t, err)
	}
	return p, specs, dir
}

// TestConfiguredPoolRoutesJobsByGroup loads a config, runs the pool it
// describes and checks that jobs scoped to a group are answered by that
// group's workers.
func TestConfiguredPoolRoutesJobsByGroup(t *testing.T) {
	p, specs, dir := loadPool(t)
	require.Len(t, specs, 2)

	var mu sync.Mutex
	spawned := make(map[string]int)
	p.Events().Subscribe(event.TypeWorkerSpawned, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		spawned[e.(event.WorkerSpawnedEvent).Group]++
	})
	stopped := make(chan event.PoolStoppedEvent, 1)
	p.Events().Subscribe(event.TypePoolStopped, func(e event.Event) {
		stopped <- e.(event.PoolStoppedEvent)
	})

	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return spawned["resize-small"] == 2 && spawned["resize-large"] == 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for id := 1; id <= len(specs); id++ {
		fut, err := p.SendJob(ctx, []byte(specs[id-1].Name), ipc.ToGroups(id), ipc.AwaitResult())
		require.NoError(t, err)
		result, err := fut.Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, specs[id-1].Name, string(result))
	}

	if state.SharedMemorySupported {
		storage, err := state.Open(filepath.Join(dir, "state"))
		require.NoError(t, err)
		r := storage.Reader()
		r.Update()
		groups := r.GetGroupsState()
		assert.Len(t, groups, 2)
		assert.Equal(t, state.IDRange{Low: 1, High: 2}, groups[1])
		assert.Equal(t, state.IDRange{Low: 3, High: 5}, groups[2])
		require.NoError(t, storage.Close())
	}

	require.NoError(t, p.Stop(ctx, true))
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not stop")
	}

	select {
	case ev := <-stopped:
		assert.True(t, ev.Graceful)
		assert.Equal(t, 3, ev.Workers)
	default:
		t.Error("expected a pool.stopped event")
	}
}

// TestConfiguredPoolStopsOnContext checks that canceling the context given to
// Run is a clean shutdown.
func TestConfiguredPoolStopsOnContext(t *testing.T) {
	p, _, _ := loadPool(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	ready, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	fut, err := sendWhenRunning(ready, p)
	require.NoError(t, err)
	_, err = fut.Await(ready)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
		assert.Equal(t, pool.ExitOK, pool.ExitCode(err))
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not stop")
	}
}

// sendWhenRunning retries SendJob until the pool has set up its router.
func sendWhenRunning(ctx context.Context, p *pool.Pool) (*ipc.Future, error) {
	for {
		fut, err := p.SendJob(ctx, []byte("ping"), ipc.AwaitResult())
		if err == nil {
			return fut, nil
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(10 * time.Millisecond):
		}
	}
}
