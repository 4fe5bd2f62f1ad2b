package fake

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/integrations/provider"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
)

// FakeClient — заглушка провайдера для локального запуска без реального API.
// Детерминированно выдаёт номер инцидента по (provider, incident_id).
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) Dispatch(ctx context.Context, p *models.Provider, in provider.DispatchInput) (provider.DispatchResult, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(p.ID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(in.IncidentID))

	return provider.DispatchResult{
		IncidentNumber: fmt.Sprintf("INC-%08d", h.Sum32()%100_000_000),
	}, nil
}
