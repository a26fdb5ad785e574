// Package minimax is a client for the MiniMax speech synthesis API.
package minimax

import (
	"net/http"
	"time"
)

const (
	// DefaultBaseURL is the default MiniMax API base URL.
	DefaultBaseURL = "https://api.minimax.io"

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 30 * time.Second
)

// Client is the MiniMax API client.
type Client struct {
	// Speech provides speech synthesis operations.
	Speech *SpeechService

	config *clientConfig
}

// clientConfig holds the client configuration.
type clientConfig struct {
	apiKey     string
	groupID    string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// Option is a function that configures the client.
type Option func(*clientConfig)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = client
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = timeout
	}
}

// NewClient creates a new MiniMax API client.
//
// Both apiKey and groupID are required; they can be obtained from the
// MiniMax platform. The group id is appended to requests as the GroupId
// query parameter.
func NewClient(apiKey, groupID string, opts ...Option) *Client {
	cfg := &clientConfig{
		apiKey:  apiKey,
		groupID: groupID,
		baseURL: DefaultBaseURL,
		timeout: DefaultTimeout,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{
			Timeout: cfg.timeout,
		}
	}

	c := &Client{config: cfg}
	c.Speech = newSpeechService(c)
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.config.baseURL
}
