package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carewatch/alert-engine/internal/domain"
	"github.com/go-resty/resty/v2"
)

const defaultAdapterTimeout = 10 * time.Second

type botMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type botMessageResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Description string `json:"description"`
}

// BotMessagingAdapter delivers alerts through a chat-bot HTTP API.
// Destinations are chat ids.
type BotMessagingAdapter struct {
	client   *resty.Client
	endpoint string
}

func NewBotMessagingAdapter(apiBaseURL, botToken string) (*BotMessagingAdapter, error) {
	if strings.TrimSpace(botToken) == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	client := resty.New()
	client.SetTimeout(defaultAdapterTimeout)
	client.SetRetryCount(0)

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(apiBaseURL, "/"), botToken)
	return NewBotMessagingAdapterWithClient(endpoint, client)
}

func NewBotMessagingAdapterWithClient(endpoint string, client *resty.Client) (*BotMessagingAdapter, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("bot endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid bot endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultAdapterTimeout)
	}
	client.SetRetryCount(0)

	return &BotMessagingAdapter{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (a *BotMessagingAdapter) Channel() domain.Channel {
	return domain.ChannelBotMessaging
}

func (a *BotMessagingAdapter) Send(ctx context.Context, destination string, msg Message) (*Receipt, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("bot messaging adapter is not initialized")
	}

	chatID := strings.TrimSpace(destination)
	if chatID == "" {
		return nil, &AdapterError{
			Message:   "chat id is required",
			Transient: false,
		}
	}

	reqBody := botMessageRequest{
		ChatID:                chatID,
		Text:                  renderChatText(msg),
		DisableWebPagePreview: true,
	}

	var parsed botMessageResponse
	response, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&parsed).
		SetError(&parsed).
		Post(a.endpoint)
	if err != nil {
		return nil, &AdapterError{
			Message:   "bot api request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &AdapterError{
			Message:   "bot api returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices && parsed.OK {
		receipt := &Receipt{StatusCode: statusCode}
		if parsed.Result.MessageID != 0 {
			receipt.ProviderMessageID = fmt.Sprintf("%d", parsed.Result.MessageID)
		}
		return receipt, nil
	}

	message := strings.TrimSpace(parsed.Description)
	if message == "" {
		message = httpErrorMessage(statusCode, strings.TrimSpace(response.String()))
	}

	return nil, &AdapterError{
		StatusCode: statusCode,
		Message:    message,
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func renderChatText(msg Message) string {
	if strings.TrimSpace(msg.Subject) == "" {
		return msg.Body
	}
	return msg.Subject + "\n" + msg.Body
}
