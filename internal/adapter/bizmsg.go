package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/carewatch/alert-engine/internal/domain"
	"github.com/go-resty/resty/v2"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

type businessMessageRequest struct {
	MessagingProduct string              `json:"messaging_product"`
	To               string              `json:"to"`
	Type             string              `json:"type"`
	Text             businessMessageText `json:"text"`
}

type businessMessageText struct {
	Body string `json:"body"`
}

type businessMessageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// BusinessMessagingAdapter delivers alerts through a business-messaging
// cloud gateway. Destinations are E.164 phone numbers.
type BusinessMessagingAdapter struct {
	client   *resty.Client
	endpoint string
	token    string
}

func NewBusinessMessagingAdapter(apiBaseURL, senderID, accessToken string) (*BusinessMessagingAdapter, error) {
	if strings.TrimSpace(senderID) == "" {
		return nil, fmt.Errorf("sender id is required")
	}

	client := resty.New()
	client.SetTimeout(defaultAdapterTimeout)
	client.SetRetryCount(0)

	endpoint := fmt.Sprintf("%s/%s/messages", strings.TrimRight(apiBaseURL, "/"), strings.TrimSpace(senderID))
	return NewBusinessMessagingAdapterWithClient(endpoint, accessToken, client)
}

func NewBusinessMessagingAdapterWithClient(endpoint, accessToken string, client *resty.Client) (*BusinessMessagingAdapter, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("gateway endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid gateway endpoint: %w", err)
	}
	if strings.TrimSpace(accessToken) == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultAdapterTimeout)
	}
	client.SetRetryCount(0)

	return &BusinessMessagingAdapter{
		client:   client,
		endpoint: trimmedEndpoint,
		token:    strings.TrimSpace(accessToken),
	}, nil
}

func (a *BusinessMessagingAdapter) Channel() domain.Channel {
	return domain.ChannelBusinessMessaging
}

func (a *BusinessMessagingAdapter) Send(ctx context.Context, destination string, msg Message) (*Receipt, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("business messaging adapter is not initialized")
	}

	to := strings.TrimSpace(destination)
	if !e164Pattern.MatchString(to) {
		return nil, &AdapterError{
			Message:   fmt.Sprintf("invalid destination number %q", destination),
			Transient: false,
		}
	}

	reqBody := businessMessageRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             businessMessageText{Body: renderChatText(msg)},
	}

	var parsed businessMessageResponse
	response, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(a.token).
		SetBody(reqBody).
		SetResult(&parsed).
		SetError(&parsed).
		Post(a.endpoint)
	if err != nil {
		return nil, &AdapterError{
			Message:   "gateway request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &AdapterError{
			Message:   "gateway returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		receipt := &Receipt{StatusCode: statusCode}
		if len(parsed.Messages) > 0 {
			receipt.ProviderMessageID = parsed.Messages[0].ID
		}
		return receipt, nil
	}

	message := strings.TrimSpace(parsed.Error.Message)
	if message == "" {
		message = httpErrorMessage(statusCode, strings.TrimSpace(response.String()))
	}

	return nil, &AdapterError{
		StatusCode: statusCode,
		Message:    message,
		Transient:  isTransientHTTPStatus(statusCode),
	}
}
