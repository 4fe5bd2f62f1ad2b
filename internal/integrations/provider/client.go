package provider

import (
	"context"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
)

type DispatchInput struct {
	IncidentID     string
	EmergencyType  string
	Severity       string
	Location       models.Location
	UserName       string
	UserPhone      string
	AdditionalInfo string
}

// DispatchResult: провайдер обязан вернуть номер инцидента (или эквивалент),
// он попадает в audit log.
type DispatchResult struct {
	IncidentNumber string
}

type Client interface {
	Dispatch(ctx context.Context, p *models.Provider, in DispatchInput) (DispatchResult, error)
}
