package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/rider-dispatch/internal/models"
)

// PushDispatcher delivers offers over the rider's websocket when one is
// connected and otherwise posts them to a push gateway.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint, key string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushDispatcher) Offer(ctx context.Context, offer models.DispatchOffer) error {
	if p.WS != nil {
		if err := p.WS.Offer(ctx, offer); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	body := map[string]any{
		"message": map[string]any{
			"topic": "rider-" + offer.RiderID,
			"data": map[string]string{
				"type":           "dispatch_offer",
				"negotiation_id": offer.NegotiationID,
				"requester_id":   offer.RequesterID,
				"deadline":       offer.Deadline.Format(time.RFC3339),
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned %d", resp.StatusCode)
	}
	return nil
}
