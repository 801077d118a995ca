// ABOUTME: REST implementation of the remote conversation API
// ABOUTME: Rate-limited JSON requests with retries on idempotent reads only
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harper/chatsync/internal/models"
	"github.com/harper/chatsync/internal/util"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 500 * time.Millisecond
	maxErrorBody      = 4096
)

var _ Client = (*HTTPClient)(nil)

// HTTPClient talks to the conversation REST service
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
	logger     *log.Logger
}

// HTTPOption configures an HTTPClient
type HTTPOption func(*HTTPClient)

// WithToken sets the bearer token sent on every request
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) { c.token = token }
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpClient = client }
}

// WithRateLimit paces requests to rps per second; zero disables pacing
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(c *HTTPClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry sets how often idempotent reads are retried on transient failures
func WithRetry(maxRetries int, delay time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.maxRetries = maxRetries
		c.retryDelay = delay
	}
}

// WithHTTPLogger sets the logger used for request tracing
func WithHTTPLogger(l *log.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = l }
}

// NewHTTPClient creates a client for the service rooted at baseURL
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		logger:     log.Default().WithPrefix("remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// conversationListResponse accepts the {"conversations": [...]} envelope
// or a bare array of conversations
type conversationListResponse struct {
	Conversations []models.Conversation `json:"conversations"`
}

func (r *conversationListResponse) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &r.Conversations)
	}
	type envelope conversationListResponse
	return json.Unmarshal(data, (*envelope)(r))
}

type messagesResponse struct {
	Messages []models.Message `json:"messages"`
}

type messageResponse struct {
	Message models.Message `json:"message"`
}

type conversationResponse struct {
	Conversation models.Conversation `json:"conversation"`
}

// ListConversations fetches every conversation of the authenticated owner
func (c *HTTPClient) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var resp conversationListResponse
	if err := c.get(ctx, "/conversations", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Conversations == nil {
		resp.Conversations = []models.Conversation{}
	}
	return resp.Conversations, nil
}

// GetConversation fetches one conversation with its full message list
func (c *HTTPClient) GetConversation(ctx context.Context, id string) (*models.ConversationWithMessages, error) {
	if err := models.ValidateID(id); err != nil {
		return nil, err
	}
	var resp models.ConversationWithMessages
	if err := c.get(ctx, "/conversations/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		resp.Messages = []models.Message{}
	}
	return &resp, nil
}

// GetMessagesAfter fetches messages created after the given watermark
func (c *HTTPClient) GetMessagesAfter(ctx context.Context, id string, after time.Time) ([]models.Message, error) {
	if err := models.ValidateID(id); err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("after", after.UTC().Format(time.RFC3339Nano))

	var resp messagesResponse
	if err := c.get(ctx, "/conversations/"+url.PathEscape(id)+"/messages", query, &resp); err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		resp.Messages = []models.Message{}
	}
	return resp.Messages, nil
}

// CreateConversation asks the server to allocate a conversation id
func (c *HTTPClient) CreateConversation(ctx context.Context, req CreateConversationRequest) (*models.Conversation, error) {
	var resp conversationResponse
	if err := c.send(ctx, http.MethodPost, "/conversations", req, &resp); err != nil {
		return nil, err
	}
	if err := models.ValidateID(resp.Conversation.ID); err != nil {
		return nil, fmt.Errorf("server returned unusable conversation id: %w", err)
	}
	return &resp.Conversation, nil
}

// UpdateConversation patches title and pin state
func (c *HTTPClient) UpdateConversation(ctx context.Context, id string, patch models.ConversationPatch) (*models.Conversation, error) {
	if err := models.ValidateID(id); err != nil {
		return nil, err
	}
	var resp conversationResponse
	if err := c.send(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(id), patch, &resp); err != nil {
		return nil, err
	}
	return &resp.Conversation, nil
}

// DeleteConversation removes one conversation
func (c *HTTPClient) DeleteConversation(ctx context.Context, id string) error {
	if err := models.ValidateID(id); err != nil {
		return err
	}
	return c.send(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil)
}

// DeleteConversations removes several conversations in one request
func (c *HTTPClient) DeleteConversations(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := models.ValidateID(id); err != nil {
			return err
		}
	}
	body := map[string][]string{"ids": ids}
	return c.send(ctx, http.MethodDelete, "/conversations/batch", body, nil)
}

// TruncateMessages deletes every server message not listed in keepIDs
func (c *HTTPClient) TruncateMessages(ctx context.Context, id string, keepIDs []string) error {
	if err := models.ValidateID(id); err != nil {
		return err
	}
	if keepIDs == nil {
		keepIDs = []string{}
	}
	body := map[string][]string{"keepIds": keepIDs}
	return c.send(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id)+"/messages", body, nil)
}

// SendMessage posts a user turn and returns the assistant's reply
func (c *HTTPClient) SendMessage(ctx context.Context, id string, req SendMessageRequest) (*models.Message, error) {
	if err := models.ValidateID(id); err != nil {
		return nil, err
	}

	var resp messageResponse
	if err := c.send(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// get performs an idempotent read with retries on transient failures
func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, out any) error {
	return util.Retry(ctx, c.maxRetries, c.retryDelay, IsTransient, func(ctx context.Context) error {
		data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
		if err != nil {
			if IsTransient(err) {
				c.logger.Debug("retrying read", "path", path, "err", err)
			}
			return err
		}
		return decodeJSON(data, out)
	})
}

// send performs a single non-idempotent write
func (c *HTTPClient) send(ctx context.Context, method, path string, body, out any) error {
	data, err := c.doRequest(ctx, method, path, body, nil)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return decodeJSON(data, out)
}

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}
	c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
	}
	return data, nil
}

func decodeJSON(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} or {"message": "..."} from a body
func errorMessage(data []byte) string {
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		var s string
		if len(payload.Error) > 0 && json.Unmarshal(payload.Error, &s) == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if len(payload.Error) > 0 && json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(data))
}
