package sms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultEndpoint is the SMSlenz send endpoint.
	DefaultEndpoint = "https://smslenz.lk/api/send-sms"
	// DefaultTimeout bounds one send, including reading the response body.
	DefaultTimeout = 10 * time.Second

	formFieldUserID   = "user_id"
	formFieldAPIKey   = "api_key"
	formFieldSenderID = "sender_id"
	formFieldContact  = "contact"
	formFieldMessage  = "message"

	contentTypeHeader = "Content-Type"
	contentTypeForm   = "application/x-www-form-urlencoded"

	errorMessageBuildRequest = "sms: build request"
	errorMessageSend         = "sms: send"
	errorMessageReadBody     = "sms: read response body"
)

var (
	// ErrTimeout reports that the gateway did not answer within the client timeout or the caller deadline.
	ErrTimeout = errors.New("sms: gateway timeout")
	// ErrTransport reports a connection or transport failure before a complete answer was read.
	ErrTransport = errors.New("sms: transport failure")
	// ErrNotConfigured reports a send attempted without the full credential set.
	ErrNotConfigured = errors.New("sms: credentials not configured")
)

// Credentials identify the account at the gateway.
type Credentials struct {
	UserID   string
	APIKey   string
	SenderID string
}

// Complete reports whether every credential is present.
func (credentials Credentials) Complete() bool {
	return strings.TrimSpace(credentials.UserID) != "" &&
		strings.TrimSpace(credentials.APIKey) != "" &&
		strings.TrimSpace(credentials.SenderID) != ""
}

// Config captures gateway settings.
type Config struct {
	Endpoint    string
	Credentials Credentials
	Timeout     time.Duration
}

// Message is one outbound text.
type Message struct {
	Contact string
	Text    string
}

// Response is whatever the gateway answered, any status code included.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for sends.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// Client posts messages to the SMSlenz gateway. It never retries.
type Client struct {
	logger      *zap.Logger
	httpClient  *http.Client
	endpoint    string
	credentials Credentials
	timeout     time.Duration
}

// NewClient builds a gateway client, filling in the default endpoint and timeout.
func NewClient(logger *zap.Logger, cfg Config, options ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := &Client{
		logger:      logger,
		httpClient:  &http.Client{},
		endpoint:    endpoint,
		credentials: cfg.Credentials,
		timeout:     cfg.Timeout,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// Configured reports whether the client holds a complete credential set.
func (client *Client) Configured() bool {
	return client != nil && client.credentials.Complete()
}

// Send performs one form-encoded POST. A completed exchange of any status is
// returned as a Response. Errors wrap ErrTimeout or ErrTransport.
func (client *Client) Send(ctx context.Context, message Message) (Response, error) {
	if !client.Configured() {
		return Response{}, ErrNotConfigured
	}

	form := url.Values{}
	form.Set(formFieldUserID, client.credentials.UserID)
	form.Set(formFieldAPIKey, client.credentials.APIKey)
	form.Set(formFieldSenderID, client.credentials.SenderID)
	form.Set(formFieldContact, message.Contact)
	form.Set(formFieldMessage, message.Text)

	sendCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	request, requestErr := http.NewRequestWithContext(sendCtx, http.MethodPost, client.endpoint, strings.NewReader(form.Encode()))
	if requestErr != nil {
		return Response{}, fmt.Errorf("%s: %w: %w", errorMessageBuildRequest, ErrTransport, requestErr)
	}
	request.Header.Set(contentTypeHeader, contentTypeForm)

	response, sendErr := client.httpClient.Do(request)
	if sendErr != nil {
		return Response{}, fmt.Errorf("%s: %w: %w", errorMessageSend, classify(sendCtx, sendErr), sendErr)
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return Response{}, fmt.Errorf("%s: %w: %w", errorMessageReadBody, classify(sendCtx, readErr), readErr)
	}

	client.logger.Debug("sms_gateway_answered", zap.Int("status", response.StatusCode), zap.String("contact", message.Contact))
	return Response{StatusCode: response.StatusCode, Body: string(body)}, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrTransport
}
