package pricing

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

func TestStoreReload(t *testing.T) {
	ctx := context.Background()

	t.Run("reload swaps the snapshot", func(t *testing.T) {
		yaml := testCatalogYAML
		store, err := NewStore(ctx, LoaderFunc(func(context.Context) (*Catalog, error) {
			return Parse(strings.NewReader(yaml))
		}))
		require.NoError(t, err)
		before := store.Current()

		yaml = strings.Replace(testCatalogYAML, "3000", "3500", 1)
		yaml = strings.Replace(yaml, `"2024-02"`, `"2024-03"`, 1)
		_, err = store.Reload(ctx)
		require.NoError(t, err)

		price, err := store.Current().Price("rpc", "pro")
		require.NoError(t, err)
		assert.Equal(t, int64(3500), price)
		assert.Equal(t, "2024-03", store.Current().Version())

		// callers holding the old snapshot keep a consistent view
		oldPrice, err := before.Price("rpc", "pro")
		require.NoError(t, err)
		assert.Equal(t, int64(3000), oldPrice)
	})

	t.Run("failed reload keeps previous snapshot", func(t *testing.T) {
		fail := false
		store, err := NewStore(ctx, LoaderFunc(func(context.Context) (*Catalog, error) {
			if fail {
				return nil, errors.New("bad yaml")
			}
			return Parse(strings.NewReader(testCatalogYAML))
		}))
		require.NoError(t, err)
		current := store.Current()

		fail = true
		_, err = store.Reload(ctx)
		assert.Error(t, err)
		assert.Same(t, current, store.Current())
	})

	t.Run("initial load failure", func(t *testing.T) {
		_, err := NewStore(ctx, FileLoader{Path: filepath.Join(t.TempDir(), "missing.yaml")})
		assert.Error(t, err)
	})

	t.Run("concurrent reloads share a load", func(t *testing.T) {
		var loads atomic.Int32
		release := make(chan struct{})
		store := NewStaticStore(mustCatalog(t))
		store.loader = LoaderFunc(func(context.Context) (*Catalog, error) {
			loads.Add(1)
			<-release
			return mustCatalog(t), nil
		})

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = store.Reload(ctx)
			}()
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()
		assert.LessOrEqual(t, loads.Load(), int32(5))
		assert.GreaterOrEqual(t, loads.Load(), int32(1))
	})
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogYAML), 0o600))

	store, err := NewStore(context.Background(), FileLoader{Path: path})
	require.NoError(t, err)

	w, err := NewWatcher(store, path, observability.NewLogger(observability.ErrorLevel, io.Discard))
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	w.reloaded = make(chan error, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	updated := strings.Replace(testCatalogYAML, "900", "1200", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-w.reloaded:
		case <-deadline:
			t.Fatal("watcher did not reload")
		}
		if price, err := store.Current().Price("rpc", "starter"); err == nil && price == 1200 {
			return
		}
	}
}

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Parse(strings.NewReader(testCatalogYAML))
	require.NoError(t, err)
	return c
}
