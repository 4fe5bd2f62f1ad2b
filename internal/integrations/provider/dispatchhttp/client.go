package dispatchhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/integrations/provider"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/pkg/errors"
)

// Client шлёт инцидент в API провайдера. Дедлайн задаётся контекстом
// (политика эскалации), свой Timeout клиенту не ставим.
type Client struct {
	httpc *http.Client
}

func New() *Client {
	return &Client{httpc: &http.Client{}}
}

type dispatchReq struct {
	EmergencyType  string       `json:"emergency_type"`
	Severity       string       `json:"severity"`
	Location       locationJSON `json:"location"`
	UserInfo       userInfoJSON `json:"user_info"`
	IncidentID     string       `json:"incident_id"`
	AdditionalInfo string       `json:"additional_info,omitempty"`
}

type locationJSON struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

type userInfoJSON struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type dispatchResp struct {
	IncidentNumber string `json:"incident_number"`
	// Некоторые провайдеры отвечают reference_number — принимаем оба.
	ReferenceNumber string `json:"reference_number"`
}

func (c *Client) Dispatch(ctx context.Context, p *models.Provider, in provider.DispatchInput) (provider.DispatchResult, error) {
	if p.EndpointURL == "" {
		return provider.DispatchResult{}, errors.New("provider has no integration endpoint")
	}

	body, err := json.Marshal(dispatchReq{
		EmergencyType: in.EmergencyType,
		Severity:      in.Severity,
		Location: locationJSON{
			Lat:     in.Location.Lat,
			Lng:     in.Location.Lng,
			Address: in.Location.Address,
		},
		UserInfo: userInfoJSON{
			Name:  in.UserName,
			Phone: in.UserPhone,
		},
		IncidentID:     in.IncidentID,
		AdditionalInfo: in.AdditionalInfo,
	})
	if err != nil {
		return provider.DispatchResult{}, errors.Wrap(err, "marshal dispatch body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return provider.DispatchResult{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return provider.DispatchResult{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return provider.DispatchResult{}, fmt.Errorf("provider %s http %d", p.ID, resp.StatusCode)
	}

	var r dispatchResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return provider.DispatchResult{}, errors.Wrap(err, "decode")
	}

	num := r.IncidentNumber
	if num == "" {
		num = r.ReferenceNumber
	}
	if num == "" {
		return provider.DispatchResult{}, errors.New("provider response has no incident number")
	}

	return provider.DispatchResult{IncidentNumber: num}, nil
}
