// Package rest talks to the visual-recognition v3 HTTP API.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/vrclassify/internal/apperror"
	"github.com/example/vrclassify/internal/logging"
	"github.com/example/vrclassify/internal/visualrecognition"
)

// MaxModelSize bounds a downloaded model body.
const MaxModelSize = 256 << 20

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string // first 512 bytes
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Client is an API-key authenticated client for one service instance.
type Client struct {
	baseURL    string
	apiKey     string
	version    string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures Client behavior.
type Option func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a Client for baseURL using the given API version date.
func New(baseURL, apiKey, version string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		version: version,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.Named("visual_recognition_rest"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type classifiersResponse struct {
	Classifiers []visualrecognition.Classifier `json:"classifiers"`
}

// ListClassifiers returns the account's classifiers with their classes.
func (c *Client) ListClassifiers(ctx context.Context) ([]visualrecognition.Classifier, error) {
	const op = "rest.list_classifiers"
	var resp classifiersResponse
	body, err := c.get(ctx, "/v3/classifiers", url.Values{"verbose": {"true"}}, 1<<20)
	if err != nil {
		return nil, c.fail(op, "", err)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, c.fail(op, "", err)
	}
	return resp.Classifiers, nil
}

// GetClassifier returns the descriptor of a single classifier.
func (c *Client) GetClassifier(ctx context.Context, classifierID string) (*visualrecognition.Classifier, error) {
	const op = "rest.get_classifier"
	body, err := c.get(ctx, "/v3/classifiers/"+url.PathEscape(classifierID), nil, 1<<20)
	if err != nil {
		return nil, c.fail(op, classifierID, err)
	}
	var classifier visualrecognition.Classifier
	if err := json.Unmarshal(body, &classifier); err != nil {
		return nil, c.fail(op, classifierID, err)
	}
	return &classifier, nil
}

// DownloadModel fetches the compiled on-device model for a classifier.
func (c *Client) DownloadModel(ctx context.Context, classifierID string) ([]byte, error) {
	const op = "rest.download_model"
	body, err := c.get(ctx, "/v3/classifiers/"+url.PathEscape(classifierID)+"/core_ml_model", nil, MaxModelSize)
	if err != nil {
		return nil, c.fail(op, classifierID, err)
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, limit int64) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("version", c.version)
	fullURL := c.baseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyStr := string(body)
		if len(bodyStr) > 512 {
			bodyStr = bodyStr[:512]
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: bodyStr}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, apperror.New(apperror.InvalidCredentials, apiErr)
		}
		return nil, apiErr
	}
	return body, nil
}

func (c *Client) fail(op, classifierID string, err error) error {
	wrapped := logging.NewOperationError(op, classifierID, err)
	c.logger.Error("visual recognition request failed", zap.Error(wrapped))
	return wrapped
}
