package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
)

// PushNotifier delivers offers over the driver's websocket when one is open
// and falls back to POSTing the offer to a webhook.
type PushNotifier struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
	logger   *zap.Logger
}

func NewPushNotifier(endpoint string, ws *WSRegistry, logger *zap.Logger) *PushNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws, logger: logger}
}

func (p *PushNotifier) NotifyOffer(ctx context.Context, offer models.Offer) error {
	if p.WS != nil {
		err := p.WS.NotifyOffer(ctx, offer)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			p.logger.Debug("ws delivery failed, trying webhook", zap.String("offer_id", offer.ID), zap.Error(err))
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}

	b, err := json.Marshal(Message{Type: "offer", Offer: &offer})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post offer webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("offer webhook returned %d", resp.StatusCode)
	}
	return nil
}
