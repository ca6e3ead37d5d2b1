package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/senni000/crypto-data-binance/internal/storage"
)

// webhookPattern is the accepted Discord webhook URL shape.
var webhookPattern = regexp.MustCompile(`^https://(discord|discordapp)\.com/api/webhooks/.+`)

// ValidateWebhookURL rejects anything that is not a Discord webhook.
func ValidateWebhookURL(url string) error {
	if !webhookPattern.MatchString(strings.TrimSpace(url)) {
		return fmt.Errorf("alert: invalid discord webhook url")
	}
	return nil
}

// HistoryStore records successful dispatches.
type HistoryStore interface {
	InsertAlertHistory(ctx context.Context, p storage.AlertHistoryParams) error
}

// DiscordOptions tune the webhook sink.
type DiscordOptions struct {
	MaxRetries int           // default 3
	RetryDelay time.Duration // default 2s
	Timeout    time.Duration // default 10s
}

func (o DiscordOptions) withDefaults() DiscordOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	return o
}

// DiscordService posts CVD alerts to a Discord webhook and logs successful
// dispatches into alert history. URL validation happens at config time.
type DiscordService struct {
	webhookURL string
	history    HistoryStore
	opts       DiscordOptions
	client     *http.Client
	logger     zerolog.Logger
}

// NewDiscordService constructs the sink.
func NewDiscordService(webhookURL string, history HistoryStore, opts DiscordOptions, logger zerolog.Logger) *DiscordService {
	opts = opts.withDefaults()
	return &DiscordService{
		webhookURL: webhookURL,
		history:    history,
		opts:       opts,
		client:     &http.Client{Timeout: opts.Timeout},
		logger:     logger.With().Str("component", "alert_discord").Logger(),
	}
}

// SendCvdAlert posts the alert, retrying internally, and records history on
// success. The final error is re-raised so the queue can account for it.
func (s *DiscordService) SendCvdAlert(ctx context.Context, payload CvdAlertPayload) error {
	body, err := json.Marshal(map[string]string{"content": renderMessage(payload)})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		if err := s.post(ctx, body); err != nil {
			lastErr = err
			if attempt == s.opts.MaxRetries {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.RetryDelay):
			}
			continue
		}
		if err := s.history.InsertAlertHistory(ctx, storage.AlertHistoryParams{
			AlertType:     payload.AlertType,
			Symbol:        payload.Symbol,
			Timestamp:     payload.Timestamp,
			TriggerSource: payload.TriggerSource,
			TriggerZScore: payload.RawTriggerZScore,
			Payload:       mustMarshal(payload),
		}); err != nil {
			return fmt.Errorf("record alert history: %w", err)
		}
		s.logger.Info().Str("symbol", payload.Symbol).Str("source", payload.TriggerSource).Msg("alert sent")
		return nil
	}
	return fmt.Errorf("send webhook after %d attempts: %w", s.opts.MaxRetries, lastErr)
}

func (s *DiscordService) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// renderMessage formats the alert for a chat channel.
func renderMessage(p CvdAlertPayload) string {
	name := p.DisplayName
	if name == "" {
		name = p.Symbol
	}
	fixed := func(v float64, places int32) string {
		return decimal.NewFromFloat(v).StringFixed(places)
	}
	b := strings.Builder{}
	b.WriteString(fmt.Sprintf("**CVD alert: %s**\n", name))
	b.WriteString(fmt.Sprintf("Time: %s UTC\n", time.UnixMilli(p.Timestamp).UTC().Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("Trigger: %s z=%s (log %s, threshold %s / raw %s)\n",
		p.TriggerSource, fixed(p.RawTriggerZScore, 2), fixed(p.LogTriggerZScore, 3),
		fixed(p.Threshold, 2), fixed(p.RawThreshold, 2)))
	b.WriteString(fmt.Sprintf("CVD: %s (Δ %s)\n", fixed(p.CumulativeValue, 4), fixed(p.Delta, 4)))
	b.WriteString(fmt.Sprintf("z-scores: cumulative %s, delta %s", fixed(p.ZScore, 2), fixed(p.DeltaZScore, 2)))
	return b.String()
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
