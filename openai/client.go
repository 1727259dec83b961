package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"telehealth-backend/logging"
)

var (
	ErrNotConfigured = errors.New("ai completion service not configured")
	ErrEmptyPrompt   = errors.New("prompt is required")
	ErrUpstream      = errors.New("ai completion service failed")
)

// Completion is one answer with its token accounting.
type Completion struct {
	Text             string `json:"text"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
}

// Client wraps the chat-completions API with a per-call timeout.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	log     *logrus.Entry
}

type Options struct {
	APIKey  string
	Model   string
	Timeout time.Duration
	// BaseURL and HTTPClient are set in tests to point at a local server.
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(o Options) *Client {
	c := &Client{model: o.Model, timeout: o.Timeout, log: logging.For("openai")}
	if c.model == "" {
		c.model = "gpt-4o-mini"
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if o.APIKey == "" {
		c.log.Warn("[OPENAI] OPENAI_API_KEY not set; AI endpoints will return 503")
		return c
	}
	cfg := openai.DefaultConfig(o.APIKey)
	if o.BaseURL != "" {
		cfg.BaseURL = o.BaseURL
	}
	if o.HTTPClient != nil {
		cfg.HTTPClient = o.HTTPClient
	}
	c.api = openai.NewClientWithConfig(cfg)
	return c
}

func (c *Client) Enabled() bool { return c != nil && c.api != nil }

func (c *Client) request(system, prompt string, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})
	return openai.ChatCompletionRequest{Model: c.model, Messages: msgs, Stream: stream}
}

func (c *Client) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		c.log.WithFields(logrus.Fields{"status": apiErr.HTTPStatusCode, "code": apiErr.Code}).Errorf("[OPENAI][%s] api error: %s", op, apiErr.Message)
	} else {
		c.log.WithError(err).Errorf("[OPENAI][%s] request failed", op)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}

// Complete returns the full answer for prompt.
func (c *Client) Complete(ctx context.Context, system, prompt string) (*Completion, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, c.request(system, prompt, false))
	if err != nil {
		return nil, c.wrap("complete", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrUpstream)
	}
	return &Completion{
		Text:             resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Stream yields answer deltas. The channel closes at the end of the answer,
// on error, or when ctx is done.
func (c *Client) Stream(ctx context.Context, system, prompt string) (<-chan string, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	stream, err := c.api.CreateChatCompletionStream(ctx, c.request(system, prompt, true))
	if err != nil {
		cancel()
		return nil, c.wrap("stream", err)
	}

	ch := make(chan string)
	go func() {
		defer cancel()
		defer stream.Close()
		defer close(ch)
		for {
			resp, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					c.log.WithError(err).Warn("[OPENAI][stream] interrupted")
				}
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case ch <- resp.Choices[0].Delta.Content:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
