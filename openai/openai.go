package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/openai/openai-go/v3" // imported as openai
	"github.com/openai/openai-go/v3/option"

	"github.com/ibreez3/story-echo/retry"
)

var (
	errNoChoices = errors.New("model returned no choices")
	errNoImage   = errors.New("model returned no image")
)

type Client struct {
	cli      openai.Client
	failFast bool
}

// NewClient builds a client whose SDK-level retries are disabled; retry
// policy belongs to retry.Executor.
func NewClient(apiKey string, baseURL string, opts ...option.RequestOption) *Client {
	all := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	all = append(all, opts...)
	return &Client{
		cli: openai.NewClient(all...),
	}
}

// FailFast makes request errors that cannot succeed on retry (400, 401,
// 403, 404, 422) fatal. Off by default: every failure is retried.
func (c *Client) FailFast(on bool) *Client {
	c.failFast = on
	return c
}

// ChatModel is a retry.Endpoint bound to one chat model.
type ChatModel struct {
	c     *Client
	model string
}

func (c *Client) Chat(model string) ChatModel {
	return ChatModel{c: c, model: model}
}

func (m ChatModel) Generate(ctx context.Context, system string, user string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))
	res, err := m.c.cli.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    m.model,
		Messages: messages,
	})
	if err != nil {
		return "", m.c.classify(err)
	}
	if len(res.Choices) == 0 {
		return "", retry.Transient(errNoChoices)
	}
	return res.Choices[0].Message.Content, nil
}

// ImageModel is a retry.Endpoint bound to one image model. Generate returns
// the base64 encoded PNG of a single square image.
type ImageModel struct {
	c     *Client
	model string
}

func (c *Client) Image(model string) ImageModel {
	return ImageModel{c: c, model: model}
}

func (m ImageModel) Generate(ctx context.Context, _ string, prompt string) (string, error) {
	res, err := m.c.cli.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(m.model),
		N:              openai.Int(1),
		Size:           openai.ImageGenerateParamsSize1024x1024,
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	})
	if err != nil {
		return "", m.c.classify(err)
	}
	if len(res.Data) == 0 || res.Data[0].B64JSON == "" {
		return "", retry.Transient(errNoImage)
	}
	return res.Data[0].B64JSON, nil
}

// Classify tags err with the retry reason implied by the API status code.
// Only quota and deadline statuses are told apart; everything else is
// transient.
func Classify(err error) error {
	return classify(err, false)
}

func (c *Client) classify(err error) error {
	return classify(err, c.failFast)
}

func classify(err error, failFast bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Timeout(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return retry.Transient(err)
	}
	wrapped := fmt.Errorf("openai status %d: %w", apiErr.StatusCode, err)
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests:
		return retry.RateLimit(wrapped)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return retry.Timeout(wrapped)
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		if failFast {
			return retry.Permanent(wrapped)
		}
		return retry.Transient(wrapped)
	default:
		return retry.Transient(wrapped)
	}
}
