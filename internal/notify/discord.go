package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Discord embed sidebar colors per severity.
const (
	discordColorInfo     = 0x388e3c
	discordColorWarning  = 0xf9a825
	discordColorCritical = 0xd32f2f
)

type discordFooter struct {
	Text string `json:"text"`
}

type discordEmbed struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Color       int           `json:"color"`
	Timestamp   string        `json:"timestamp,omitempty"`
	Footer      discordFooter `json:"footer"`
}

type discordWebhook struct {
	Embeds []discordEmbed `json:"embeds"`
}

// DiscordSender delivers alerts to a Discord webhook as a single embed. The
// severity drives the embed color and the footer carries the event name.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the alert to the webhook. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, alert Alert) error {
	payload := discordWebhook{
		Embeds: []discordEmbed{{
			Title:       fmt.Sprintf("%s %s", alert.Priority.Tag(), alert.Title),
			Description: alert.Message,
			Color:       discordColorFor(alert.Priority),
			Footer:      discordFooter{Text: alert.Event},
		}},
	}
	if !alert.At.IsZero() {
		payload.Embeds[0].Timestamp = alert.At.Format(time.RFC3339)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord: status %d: %s", resp.StatusCode, string(excerpt))
	}
	return nil
}

func discordColorFor(p Priority) int {
	switch p {
	case PriorityCritical:
		return discordColorCritical
	case PriorityWarning:
		return discordColorWarning
	default:
		return discordColorInfo
	}
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
