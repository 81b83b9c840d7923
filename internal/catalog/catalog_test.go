package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viant/minichat/internal/quota"
)

func TestRegistry_CurrentIsStableDuringReload(t *testing.T) {
	r := NewRegistry()
	r.Replace(&Snapshot{Entries: []quota.ModelCatalogEntry{{Name: "gpt-5.2", Tier: quota.TierPremium}}})

	snap := r.Current()
	require.Len(t, snap.Entries, 1)

	// Reload swaps the pointer; the snapshot already captured by the turn is untouched.
	r.Replace(&Snapshot{Entries: []quota.ModelCatalogEntry{{Name: "gpt-6", Tier: quota.TierPremium}}})
	assert.Equal(t, "gpt-5.2", snap.Entries[0].Name)
	assert.Equal(t, "gpt-6", r.Current().Entries[0].Name)
}

func TestAdaptor_AddOrUpdateAndDelete(t *testing.T) {
	store := map[string]string{}
	load := func(ctx context.Context, name string) (string, error) {
		if name == "missing" {
			return "", errors.New("not found")
		}
		return "value-" + name, nil
	}
	set := func(name string, v string) { store[name] = v }
	remove := func(name string) { delete(store, name) }

	a := NewAdaptor[string](load, set, remove)

	require.NoError(t, a.Reload(context.Background(), "alpha", AddOrUpdate))
	assert.Equal(t, "value-alpha", store["alpha"])

	require.NoError(t, a.Reload(context.Background(), "alpha", Delete))
	_, ok := store["alpha"]
	assert.False(t, ok)

	err := a.Reload(context.Background(), "missing", AddOrUpdate)
	assert.Error(t, err)
}

func TestWatcher_ReactsToFileChanges(t *testing.T) {
	dir := t.TempDir()

	var reloaded []string
	target := NewAdaptor[string](
		func(ctx context.Context, name string) (string, error) { return name, nil },
		func(name string, v string) { reloaded = append(reloaded, "set:"+name) },
		func(name string) { reloaded = append(reloaded, "remove:"+name) },
	)

	w, err := NewWatcher(dir, target, func(path string) string {
		base := filepath.Base(path)
		return strings.TrimSuffix(base, filepath.Ext(base))
	})
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(dir, "premium.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: premium"), 0o644))

	assert.Eventually(t, func() bool {
		return len(reloaded) > 0
	}, 2*time.Second, 10*time.Millisecond)
}
