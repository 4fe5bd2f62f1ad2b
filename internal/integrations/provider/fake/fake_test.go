package fake

import (
	"context"
	"testing"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/integrations/provider"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/stretchr/testify/require"
)

func TestFakeClient_Dispatch_Deterministic(t *testing.T) {
	c := New()
	p := &models.Provider{ID: "madrid-samur"}

	a, err := c.Dispatch(context.Background(), p, provider.DispatchInput{IncidentID: "evt-1"})
	require.NoError(t, err)
	require.NotEmpty(t, a.IncidentNumber)

	b, err := c.Dispatch(context.Background(), p, provider.DispatchInput{IncidentID: "evt-1"})
	require.NoError(t, err)
	require.Equal(t, a.IncidentNumber, b.IncidentNumber)
}
