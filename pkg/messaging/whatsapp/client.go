package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// SendResult has the same shape for every outcome of Send
type SendResult struct {
	Success  bool      `json:"success"`
	Data     *SendData `json:"data,omitempty"`
	Error    string    `json:"error,omitempty"`
	Attempts []Attempt `json:"attempts,omitempty"`
}

// SendData describes an accepted message
type SendData struct {
	MessageID string `json:"messageId"`
	Recipient string `json:"recipient"`
	Template  string `json:"template"`
	Fallback  bool   `json:"fallback"`
}

// Attempt records one template tried by Send
type Attempt struct {
	Template  string `json:"template"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Client sends template messages through the Cloud API
type Client struct {
	cfg     Config
	breaker *CircuitBreaker
}

// NewClient creates a Cloud API client
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	c := &Client{cfg: cfg}
	c.breaker = NewCircuitBreaker(cfg.FailureThreshold, cfg.ResetTimeout, cfg.Now, func(state BreakerState) {
		cfg.Metrics.RecordCircuitBreakerStateChange(string(state))
		cfg.Logger.Warn("whatsapp circuit breaker state changed", kinelink.F("state", string(state)))
	})
	return c, nil
}

// BreakerState exposes the Graph API breaker state
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// Send delivers message to phone. It tries the rich template first, carrying
// message as body parameter and deepLink as URL button parameter, then falls
// back to the generic template without parameters. Each parameter is sent only
// when set; with neither, Send goes straight to the fallback.
func (c *Client) Send(ctx context.Context, phone string, message, deepLink *string) SendResult {
	recipient, err := NormalizePhone(phone, c.cfg.DefaultRegion)
	if err != nil {
		return SendResult{Error: err.Error()}
	}

	var result SendResult
	var richErr error
	if components := richComponents(message, deepLink); len(components) > 0 {
		id, err := c.sendTemplate(ctx, recipient, c.cfg.RichTemplate, components)
		result.Attempts = append(result.Attempts, attempt(c.cfg.RichTemplate, id, err))
		if err == nil {
			result.Success = true
			result.Data = &SendData{MessageID: id, Recipient: recipient, Template: c.cfg.RichTemplate}
			return result
		}
		richErr = err
		c.cfg.Logger.Warn("whatsapp rich template failed, using fallback",
			kinelink.F("template", c.cfg.RichTemplate), kinelink.F("error", err))
	}

	id, err := c.sendTemplate(ctx, recipient, c.cfg.FallbackTemplate, nil)
	result.Attempts = append(result.Attempts, attempt(c.cfg.FallbackTemplate, id, err))
	if err == nil {
		result.Success = true
		result.Data = &SendData{MessageID: id, Recipient: recipient, Template: c.cfg.FallbackTemplate, Fallback: true}
		return result
	}

	if richErr != nil {
		result.Error = fmt.Sprintf("rich template %s failed: %v; fallback template %s failed: %v",
			c.cfg.RichTemplate, richErr, c.cfg.FallbackTemplate, err)
	} else {
		result.Error = fmt.Sprintf("fallback template %s failed: %v", c.cfg.FallbackTemplate, err)
	}
	return result
}

func richComponents(message, deepLink *string) []component {
	var components []component
	if message != nil && strings.TrimSpace(*message) != "" {
		components = append(components, component{
			Type:       "body",
			Parameters: []parameter{{Type: "text", Text: *message}},
		})
	}
	if deepLink != nil && strings.TrimSpace(*deepLink) != "" {
		components = append(components, component{
			Type:       "button",
			SubType:    "url",
			Index:      "0",
			Parameters: []parameter{{Type: "text", Text: *deepLink}},
		})
	}
	return components
}

func attempt(template, id string, err error) Attempt {
	a := Attempt{Template: template, MessageID: id}
	if err != nil {
		a.Error = err.Error()
	}
	return a
}

type templateMessage struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type templatePayload struct {
	Name       string      `json:"name"`
	Language   language    `json:"language"`
	Components []component `json:"components,omitempty"`
}

type language struct {
	Code string `json:"code"`
}

type component struct {
	Type       string      `json:"type"`
	SubType    string      `json:"sub_type,omitempty"`
	Index      string      `json:"index,omitempty"`
	Parameters []parameter `json:"parameters"`
}

type parameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// sendTemplate posts one template message and returns the provider message id.
// Request errors such as an unknown template do not trip the breaker.
func (c *Client) sendTemplate(ctx context.Context, to, template string, components []component) (string, error) {
	var id string
	var requestErr error
	err := c.breaker.Execute(func() error {
		var err error
		id, err = c.post(ctx, templateMessage{
			MessagingProduct: "whatsapp",
			RecipientType:    "individual",
			To:               to,
			Type:             "template",
			Template: templatePayload{
				Name:       template,
				Language:   language{Code: c.cfg.Language},
				Components: components,
			},
		})
		if err != nil && !retryable(err) {
			requestErr = err
			return nil
		}
		return err
	}, retryable)
	if err == nil {
		err = requestErr
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	c.cfg.Metrics.RecordMessageSend(template, status)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) post(ctx context.Context, msg templateMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.cfg.BaseURL, c.cfg.APIVersion, c.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("graph api request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read graph api response: %w", err)
	}

	var parsed sendResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		if parsed.Error != nil {
			apiErr.Code = parsed.Error.Code
			apiErr.Message = parsed.Error.Message
		}
		return "", apiErr
	}
	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return "", ErrNoMessageID
	}
	return parsed.Messages[0].ID, nil
}
