package registry

import (
	"cmp"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing_watcher/internal/config"
	"listing_watcher/internal/domain"
	"listing_watcher/internal/parser"
	"listing_watcher/internal/parser/leboncoin"
	"listing_watcher/internal/parser/pap"
)

type memStore struct {
	cities  map[string]domain.City
	targets map[domain.TargetKey]domain.Target
	failAt  string
}

func newMemStore() *memStore {
	return &memStore{cities: map[string]domain.City{}, targets: map[domain.TargetKey]domain.Target{}}
}

func (m *memStore) UpsertCity(_ context.Context, c domain.City) error {
	m.cities[c.InseeCode] = c
	return nil
}

func (m *memStore) Upsert(_ context.Context, t domain.Target) error {
	if t.InseeCode == m.failAt {
		return errors.New("boom")
	}
	if _, ok := m.targets[t.Key()]; !ok {
		m.targets[t.Key()] = t
	}
	return nil
}

func (m *memStore) DeleteExcept(_ context.Context, keep []domain.TargetKey) (int64, error) {
	var n int64
	for k := range m.targets {
		if !slices.Contains(keep, k) {
			delete(m.targets, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) List(context.Context) ([]domain.Target, error) {
	out := make([]domain.Target, 0, len(m.targets))
	for _, t := range m.targets {
		c := m.cities[t.InseeCode]
		t.Zipcode, t.CityName = c.Zipcode, c.Name
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b domain.Target) int {
		return cmp.Or(strings.Compare(a.Site, b.Site), strings.Compare(a.InseeCode, b.InseeCode))
	})
	return out, nil
}

type directTx struct{}

func (directTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newRegistry(store *memStore) *Registry {
	return New(store, parser.NewRegistry(leboncoin.New(), pap.New()), directTx{},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLoad_RegistersAndBuildsURLs(t *testing.T) {
	store := newMemStore()
	r := newRegistry(store)

	err := r.Load(context.Background(), []config.TargetConfig{
		{Site: "leboncoin", InseeCode: "91434", Zipcode: "91390", CityName: "Morsang-sur-Orge"},
		{Site: "pap", InseeCode: "91434", Zipcode: "91390", CityName: "Morsang-sur-Orge", URL: "https://www.pap.fr/custom"},
	})
	require.NoError(t, err)

	lbc := store.targets[domain.TargetKey{Site: "leboncoin", InseeCode: "91434"}]
	assert.Equal(t, "https://www.leboncoin.fr/cl/ventes_immobilieres/cp_Morsang-sur-Orge_91390", lbc.URL)
	assert.Equal(t, "https://www.pap.fr/custom", store.targets[domain.TargetKey{Site: "pap", InseeCode: "91434"}].URL)
	assert.Equal(t, "Morsang-sur-Orge", store.cities["91434"].Name)
}

func TestLoad_RemovesUnconfiguredTargets(t *testing.T) {
	store := newMemStore()
	r := newRegistry(store)
	ctx := context.Background()

	require.NoError(t, r.Load(ctx, []config.TargetConfig{
		{Site: "leboncoin", InseeCode: "91434", Zipcode: "91390", CityName: "Morsang-sur-Orge"},
		{Site: "leboncoin", InseeCode: "75056", Zipcode: "75001", CityName: "Paris"},
	}))
	require.NoError(t, r.Load(ctx, []config.TargetConfig{
		{Site: "leboncoin", InseeCode: "75056", Zipcode: "75001", CityName: "Paris"},
	}))

	active, err := r.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "75056", active[0].InseeCode)
	assert.Equal(t, "Paris", active[0].CityName)
}

func TestLoad_UnknownSite(t *testing.T) {
	store := newMemStore()
	err := newRegistry(store).Load(context.Background(), []config.TargetConfig{
		{Site: "seloger", InseeCode: "91434", Zipcode: "91390", CityName: "Morsang-sur-Orge"},
	})

	var ce *domain.ConfigError
	assert.ErrorAs(t, err, &ce)
	assert.Empty(t, store.targets)
}

func TestLoad_StorageFailure(t *testing.T) {
	store := newMemStore()
	store.failAt = "91434"

	err := newRegistry(store).Load(context.Background(), []config.TargetConfig{
		{Site: "leboncoin", InseeCode: "91434", Zipcode: "91390", CityName: "Morsang-sur-Orge"},
	})

	var se *domain.StorageError
	assert.ErrorAs(t, err, &se)
}

func TestActive_KeepsFlaggedSkipsUnknown(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	reason := "gone"
	store.cities["91434"] = domain.City{InseeCode: "91434", Zipcode: "91390", Name: "Morsang-sur-Orge"}
	store.targets[domain.TargetKey{Site: "leboncoin", InseeCode: "91434"}] = domain.Target{
		Site: "leboncoin", InseeCode: "91434", URL: "u", FlaggedAt: &now, FlagReason: &reason,
	}
	store.targets[domain.TargetKey{Site: "seloger", InseeCode: "91434"}] = domain.Target{
		Site: "seloger", InseeCode: "91434", URL: "u",
	}

	active, err := newRegistry(store).Active(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "leboncoin", active[0].Site)
}
