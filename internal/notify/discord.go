package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/wTHU1Ew/DeltaRotor/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DiscordSender Discord Webhook告警 / Delivers operator alerts to a Discord webhook
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	logger     *logger.Logger
}

// NewDiscordSender 创建Discord告警 / Create Discord sender with a 10 second timeout
func NewDiscordSender(webhookURL string, logger *logger.Logger) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Alert 发送告警 / Post an alert; the title is rendered in bold
// Discord成功时返回204 / Discord answers 204 No Content on success
func (d *DiscordSender) Alert(ctx context.Context, title, message string) error {
	body, err := json.Marshal(map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, message),
	})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	d.logger.Debug("Alert sent: %s", title)
	return nil
}

// LogAlerter 仅记录日志的告警 / Alert sink used when no webhook is configured
type LogAlerter struct {
	logger *logger.Logger
}

// NewLogAlerter 创建日志告警 / Create log-only alerter
func NewLogAlerter(logger *logger.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert 记录告警 / Log the alert at WARN
func (l *LogAlerter) Alert(ctx context.Context, title, message string) error {
	l.logger.Warn("ALERT %s: %s", title, message)
	return nil
}
