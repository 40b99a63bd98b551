package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/cow-check/internal/logging"
)

const maxErrorBody = 512

// StatusError is returned when the predictor answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("predictor returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPClient submits each image as a multipart upload to the predictor URL.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

type predictResponse struct {
	Label string   `json:"label"`
	Score *float64 `json:"score"`
}

// NewHTTPClient creates a predictor client posting to url.
func NewHTTPClient(url string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("predictor_http"),
	}
}

// Predict uploads image under the "file" form field and decodes the verdict.
func (c *HTTPClient) Predict(ctx context.Context, image []byte) (Outcome, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "image")
	if err != nil {
		return Outcome{}, c.fail("predictor.http.encode", err)
	}
	if _, err := part.Write(image); err != nil {
		return Outcome{}, c.fail("predictor.http.encode", err)
	}
	if err := writer.Close(); err != nil {
		return Outcome{}, c.fail("predictor.http.encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return Outcome{}, c.fail("predictor.http.request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{}, c.fail("predictor.http.do", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Outcome{}, c.fail("predictor.http.status", &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)})
	}

	var decoded predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Outcome{}, c.fail("predictor.http.decode", err)
	}

	label, err := ParseLabel(decoded.Label)
	if err != nil {
		return Outcome{}, c.fail("predictor.http.decode", err)
	}
	out, err := Outcome{Label: label, Score: decoded.Score}.Normalize()
	if err != nil {
		return Outcome{}, c.fail("predictor.http.decode", err)
	}
	return out, nil
}

func (c *HTTPClient) fail(operation string, err error) error {
	wrapped := logging.NewOperationError(operation, "", err)
	c.logger.Warn("predictor call failed", zap.Error(wrapped), zap.String("url", c.url))
	return wrapped
}
