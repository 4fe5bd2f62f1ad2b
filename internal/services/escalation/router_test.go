package escalation

import (
	"context"
	"testing"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeProviders struct {
	list []*models.Provider
	err  error
}

func (f *fakeProviders) ListActiveProviders(context.Context) ([]*models.Provider, error) {
	return f.list, f.err
}

func madridProviders() []*models.Provider {
	return []*models.Provider{
		{
			ID: "madrid-samur", Name: "SAMUR Madrid", Priority: 10,
			EndpointURL: "https://samur.example/dispatch", APIKey: "key",
			Region: &models.Geofence{MinLat: 40.31, MaxLat: 40.56, MinLng: -3.84, MaxLng: -3.52},
		},
		{ID: "es-112", Name: "112 España", Priority: 100},
	}
}

func TestRouterSelect_GeofenceBeforeDefault(t *testing.T) {
	r := NewRouter(&fakeProviders{list: madridProviders()})

	// Центр Мадрида: городская служба раньше национальной.
	got, err := r.Select(context.Background(), models.Location{Lat: 40.4168, Lng: -3.7038})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "madrid-samur", got[0].ID)
	require.Equal(t, "es-112", got[1].ID)
}

func TestRouterSelect_OutsideGeofenceFallsToDefault(t *testing.T) {
	r := NewRouter(&fakeProviders{list: madridProviders()})

	// Лондон: геозона Мадрида не совпала, остаётся национальный дефолт.
	got, err := r.Select(context.Background(), models.Location{Lat: 51.5072, Lng: -0.1276})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "es-112", got[0].ID)
}

func TestRouterSelect_Deterministic(t *testing.T) {
	r := NewRouter(&fakeProviders{list: madridProviders()})

	loc := models.Location{Lat: 40.4168, Lng: -3.7038}
	first, err := r.Select(context.Background(), loc)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Select(context.Background(), loc)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestRouterSelect_NoProviders(t *testing.T) {
	r := NewRouter(&fakeProviders{})

	_, err := r.Select(context.Background(), models.Location{Lat: 40.4, Lng: -3.7})
	require.ErrorIs(t, err, models.ErrNoProviderAvailable)
}

func TestRouterSelect_NoMatchNoDefaults(t *testing.T) {
	r := NewRouter(&fakeProviders{list: []*models.Provider{
		{
			ID: "madrid-samur", Priority: 10,
			Region: &models.Geofence{MinLat: 40.31, MaxLat: 40.56, MinLng: -3.84, MaxLng: -3.52},
		},
	}})

	// Глобальных дефолтов нет: деградация до первого активного провайдера,
	// пустой список недопустим.
	got, err := r.Select(context.Background(), models.Location{Lat: 51.5, Lng: -0.12})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "madrid-samur", got[0].ID)
}

func TestRouterSelect_SourceError(t *testing.T) {
	want := errors.New("db down")
	r := NewRouter(&fakeProviders{err: want})

	_, err := r.Select(context.Background(), models.Location{})
	require.ErrorIs(t, err, want)
}
