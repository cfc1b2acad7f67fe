package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/medviz/biostream/internal/models"
	"github.com/sirupsen/logrus"
)

// ClinicalAlertClient delivers alerts to the downstream clinical alerting
// system over HTTP.
type ClinicalAlertClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *logrus.Logger
}

var _ AlertSubmitter = (*ClinicalAlertClient)(nil)

// NewClinicalAlertClient creates a clinical alert client.
func NewClinicalAlertClient(baseURL string, timeout time.Duration, logger *logrus.Logger) *ClinicalAlertClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ClinicalAlertClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
	}
}

// SubmitAlert posts one alert to the clinical system.
func (c *ClinicalAlertClient) SubmitAlert(ctx context.Context, alert models.BiometricAlert) error {
	return c.makeRequest(ctx, http.MethodPost, "/api/alerts", alert, nil)
}

// HealthCheck checks if the clinical alerting system is reachable.
func (c *ClinicalAlertClient) HealthCheck(ctx context.Context) error {
	return c.makeRequest(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *ClinicalAlertClient) makeRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	requestURL := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.WithError(err).Debug("Error closing response body")
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("clinical service error (%d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// TelegramNotifier pushes critical alerts to an on-call Telegram chat.
type TelegramNotifier struct {
	bot    *bot.Bot
	chatID string
	logger *logrus.Logger
}

// NewTelegramNotifier creates a Telegram notifier. An empty token disables
// it; NotifyCritical becomes a no-op.
func NewTelegramNotifier(token, chatID string, logger *logrus.Logger) *TelegramNotifier {
	var b *bot.Bot
	if token != "" {
		var err error
		b, err = bot.New(token)
		if err != nil {
			logger.WithError(err).Warn("Telegram bot initialization failed, notifications disabled")
		}
	}
	return &TelegramNotifier{bot: b, chatID: chatID, logger: logger}
}

// Enabled reports whether the notifier has a working bot.
func (t *TelegramNotifier) Enabled() bool {
	return t.bot != nil && t.chatID != ""
}

// NotifyCritical sends one critical alert to the on-call chat.
func (t *TelegramNotifier) NotifyCritical(ctx context.Context, alert models.BiometricAlert) {
	if !t.Enabled() || alert.Severity != models.SeverityCritical {
		return
	}

	text := fmt.Sprintf("🚨 *Critical biometric alert*\n\nPatient: `%s`\nStream: `%s`\nValue: %s (threshold %s)\nTime: %s",
		alert.PatientID,
		alert.StreamID,
		alert.TriggeringValue.String(),
		alert.TriggeringThreshold.String(),
		alert.Timestamp.UTC().Format(time.RFC3339),
	)

	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    t.chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeMarkdown,
	})
	if err != nil {
		t.logger.WithError(err).WithField("alert_id", alert.ID).Warn("Failed to send Telegram notification")
		return
	}
	t.logger.WithField("alert_id", alert.ID).Info("Sent Telegram notification for critical alert")
}

// AlertRedeliverer periodically retries alerts the clinical system has not
// yet accepted.
type AlertRedeliverer struct {
	evaluator *AlertEvaluator
	submitter AlertSubmitter
	interval  time.Duration
	logger    *logrus.Logger
}

// NewAlertRedeliverer creates a redelivery loop over the evaluator's
// undelivered alerts.
func NewAlertRedeliverer(evaluator *AlertEvaluator, submitter AlertSubmitter, interval time.Duration, logger *logrus.Logger) *AlertRedeliverer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AlertRedeliverer{
		evaluator: evaluator,
		submitter: submitter,
		interval:  interval,
		logger:    logger,
	}
}

// Run retries undelivered alerts on every tick until the context is
// cancelled.
func (r *AlertRedeliverer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RedeliverOnce(ctx)
		}
	}
}

// RedeliverOnce attempts delivery of every currently undelivered alert.
func (r *AlertRedeliverer) RedeliverOnce(ctx context.Context) {
	if r.submitter == nil {
		return
	}
	for _, alert := range r.evaluator.Undelivered() {
		if err := r.submitter.SubmitAlert(ctx, alert); err != nil {
			r.logger.WithError(err).WithField("alert_id", alert.ID).Debug("Alert redelivery failed")
			continue
		}
		r.evaluator.MarkDelivered(alert.ID)
		r.logger.WithField("alert_id", alert.ID).Info("Alert redelivered to clinical system")
	}
}
