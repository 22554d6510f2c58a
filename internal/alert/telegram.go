package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTelegramBaseURL = "https://api.telegram.org"
	telegramMaxMessageLen  = 4096
)

type TelegramConfig struct {
	Enabled  bool
	BotToken string
	ChatID   string
	BaseURL  string
	Timeout  time.Duration
	// Silent delivers without a sound on the recipient side.
	Silent bool
}

type TelegramNotifier struct {
	cfg    TelegramConfig
	client *http.Client
}

func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTelegramBaseURL
	}
	return &TelegramNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil || !t.cfg.Enabled {
		return nil
	}
	if len(msg) > telegramMaxMessageLen {
		msg = msg[:telegramMaxMessageLen-3] + "..."
	}
	body, err := json.Marshal(telegramSendMessageRequest{
		ChatID:              t.cfg.ChatID,
		Text:                msg,
		DisableNotification: t.cfg.Silent,
	})
	if err != nil {
		return err
	}
	endpoint := t.cfg.BaseURL + "/bot" + t.cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if len(respBody) == 0 {
		return nil
	}
	var parsed telegramSendMessageResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil
	}
	if !parsed.OK {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

type telegramSendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

type telegramSendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}
