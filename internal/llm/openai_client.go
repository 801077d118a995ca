// ABOUTME: OpenAI client for conversation titles and assistant replies
// ABOUTME: Uses gpt-4o-mini by default (configurable) with backoff on transient failures
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harper/chatsync/internal/models"
	"github.com/harper/chatsync/internal/util"
	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultChatModel is the default model for chat completions
	DefaultChatModel = "gpt-4o-mini"
	// MaxTitleLength bounds generated titles, in characters
	MaxTitleLength = 60
	// maxHistory caps how many prior turns are sent with a reply request
	maxHistory = 20
)

// ClientConfig holds configuration for the OpenAI client
type ClientConfig struct {
	APIKey     string
	ChatModel  string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// DefaultConfig returns the default client configuration
func DefaultConfig(apiKey string) *ClientConfig {
	return &ClientConfig{
		APIKey:     apiKey,
		ChatModel:  DefaultChatModel,
		MaxRetries: 3,
		RetryDelay: time.Second * 2,
		Timeout:    30 * time.Second,
	}
}

// OpenAIClient wraps the OpenAI API client with retry logic
type OpenAIClient struct {
	client     *openai.Client
	chatModel  string
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
}

// NewOpenAIClient creates a new OpenAI client with the given API key using default configuration
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	return NewOpenAIClientWithConfig(DefaultConfig(apiKey))
}

// NewOpenAIClientWithConfig creates a new OpenAI client with custom configuration
func NewOpenAIClientWithConfig(config *ClientConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	oc := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}

	model := config.ChatModel
	if model == "" {
		model = DefaultChatModel
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &OpenAIClient{
		client:     openai.NewClientWithConfig(oc),
		chatModel:  model,
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
		timeout:    timeout,
	}, nil
}

// SuggestTitle asks the model for a short title summarizing the conversation
func (c *OpenAIClient) SuggestTitle(ctx context.Context, messages []models.Message) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("no messages to title")
	}

	var transcript strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}

	systemPrompt := `You name chat conversations. Reply with a title of at most six words that captures the topic.
No quotes, no trailing punctuation, no additional text.`

	content, err := c.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: transcript.String()},
	}, 0.3)
	if err != nil {
		return "", fmt.Errorf("failed to suggest title: %w", err)
	}

	title := CleanTitle(content)
	if title == "" {
		return "", errors.New("model returned an empty title")
	}
	return title, nil
}

// Reply answers content given the prior turns of the conversation
func (c *OpenAIClient) Reply(ctx context.Context, history []models.Message, content string) (string, error) {
	systemPrompt := `You are a helpful assistant answering questions about the user's documents.
Answer concisely and say so when you do not know.`

	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	for _, msg := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: chatRole(msg.Role), Content: msg.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: content})

	answer, err := c.complete(ctx, msgs, 0.7)
	if err != nil {
		return "", fmt.Errorf("failed to generate reply: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

func (c *OpenAIClient) complete(ctx context.Context, msgs []openai.ChatCompletionMessage, temperature float32) (string, error) {
	var content string
	err := util.Retry(ctx, c.maxRetries, c.retryDelay, isRetryable, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.chatModel,
			Messages:    msgs,
			Temperature: temperature,
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("no completion choices returned")
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	return content, err
}

func chatRole(role models.Role) string {
	switch role {
	case models.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case models.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

// isRetryable treats rate limits, server errors and transport failures as transient
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// CleanTitle reduces a model answer to a single bounded title line
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "Title:")
	s = strings.Trim(strings.TrimSpace(s), "\"'`*")
	s = strings.TrimRight(s, ".!?:;, ")
	s = models.SanitizeContent(s)

	if utf8.RuneCountInString(s) > MaxTitleLength {
		runes := []rune(s)
		s = strings.TrimSpace(string(runes[:MaxTitleLength]))
	}
	return s
}
