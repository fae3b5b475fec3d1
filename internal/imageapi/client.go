// Package imageapi calls the hosted image generation and editing endpoints.
package imageapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	generationsPath     = "/images/generations"
	editsPath           = "/images/edits"
	defaultModel        = "flux.2-pro"
	defaultSize         = "1024x1024"
	defaultTimeout      = 120 * time.Second
	defaultSteps        = 20
	responseFormatB64   = "b64_json"
	dataURLPrefix       = "data:image/"
	dataURLBase64Marker = "base64,"
	maxErrorBodyBytes   = 4096
	maxResponseBytes    = 64 << 20
)

// ErrorKind classifies a failed call.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindStatus      ErrorKind = "status"
	KindRateLimited ErrorKind = "rate_limited"
	KindMalformed   ErrorKind = "malformed"
	KindNetwork     ErrorKind = "network"
)

// APIError describes why a call produced no image.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("imageapi: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("imageapi: %s (status %d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("imageapi: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("imageapi: %s: %s", e.Kind, e.Message)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind, defaulting to network for foreign errors.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}

// Config describes the endpoint and request defaults.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Size       string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client issues one request per call. It never retries; callers refund and
// let the user try again.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	size       string
	width      int
	height     int
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

type generationRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Steps     int    `json:"steps"`
	NumImages int    `json:"num_images"`
}

type imageItem struct {
	B64JSON string `json:"b64_json"`
	URL     string `json:"url"`
}

type imageResponse struct {
	Data []imageItem `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient validates the configuration.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("imageapi: base url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("imageapi: api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	size := strings.TrimSpace(cfg.Size)
	if size == "" {
		size = defaultSize
	}
	width, height, err := parseSize(size)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      model,
		size:       size,
		width:      width,
		height:     height,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Generate renders a prompt and returns the decoded images in response order.
func (c *Client) Generate(ctx context.Context, prompt string) ([][]byte, error) {
	body, err := json.Marshal(generationRequest{
		Model:     c.model,
		Prompt:    prompt,
		Width:     c.width,
		Height:    c.height,
		Steps:     defaultSteps,
		NumImages: 1,
	})
	if err != nil {
		return nil, &APIError{Kind: KindMalformed, Err: err}
	}
	return c.post(ctx, generationsPath, "application/json", body)
}

// Edit applies an instruction to a source image.
func (c *Client) Edit(ctx context.Context, image []byte, prompt string) ([][]byte, error) {
	if len(image) == 0 {
		return nil, &APIError{Kind: KindMalformed, Message: "source image is empty"}
	}
	var payload bytes.Buffer
	writer := multipart.NewWriter(&payload)
	fields := [][2]string{
		{"model", c.model},
		{"prompt", prompt},
		{"n", "1"},
		{"size", c.size},
		{"response_format", responseFormatB64},
	}
	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, &APIError{Kind: KindMalformed, Err: err}
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="image.png"`)
	header.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, &APIError{Kind: KindMalformed, Err: err}
	}
	if _, err := part.Write(image); err != nil {
		return nil, &APIError{Kind: KindMalformed, Err: err}
	}
	if err := writer.Close(); err != nil {
		return nil, &APIError{Kind: KindMalformed, Err: err}
	}
	return c.post(ctx, editsPath, writer.FormDataContentType(), payload.Bytes())
}

func (c *Client) post(ctx context.Context, path, contentType string, body []byte) ([][]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + path
	request, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Kind: KindNetwork, Err: err}
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Content-Type", contentType)

	started := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &APIError{Kind: KindTimeout, Err: context.DeadlineExceeded}
		}
		return nil, &APIError{Kind: KindNetwork, Err: err}
	}
	defer func() {
		if closeErr := response.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", zap.Error(closeErr), zap.String("url", endpoint))
		}
	}()

	if response.StatusCode != http.StatusOK {
		message := errorMessage(response.Body)
		kind := KindStatus
		if response.StatusCode == http.StatusTooManyRequests {
			kind = KindRateLimited
		}
		c.logger.Warn("image api rejected request",
			zap.String("url", endpoint),
			zap.Int("status", response.StatusCode),
			zap.String("message", message))
		return nil, &APIError{Kind: kind, StatusCode: response.StatusCode, Message: message}
	}

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &APIError{Kind: KindTimeout, Err: context.DeadlineExceeded}
		}
		return nil, &APIError{Kind: KindNetwork, Err: err}
	}
	images, err := decodeImages(raw)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("image api call completed",
		zap.String("path", path),
		zap.Int("images", len(images)),
		zap.Duration("elapsed", time.Since(started)))
	return images, nil
}

func decodeImages(raw []byte) ([][]byte, error) {
	var payload imageResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &APIError{Kind: KindMalformed, Err: err}
	}
	if len(payload.Data) == 0 {
		return nil, &APIError{Kind: KindMalformed, Message: "response contains no images"}
	}
	images := make([][]byte, 0, len(payload.Data))
	for index, item := range payload.Data {
		encoded, ok := item.encoded()
		if !ok {
			return nil, &APIError{Kind: KindMalformed, Message: fmt.Sprintf("item %d carries no image", index)}
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, &APIError{Kind: KindMalformed, Err: fmt.Errorf("item %d: %w", index, err)}
		}
		if detected := mimetype.Detect(decoded); !strings.HasPrefix(detected.String(), "image/") {
			return nil, &APIError{Kind: KindMalformed, Message: fmt.Sprintf("item %d decoded to %s", index, detected.String())}
		}
		images = append(images, decoded)
	}
	return images, nil
}

func (i imageItem) encoded() (string, bool) {
	if i.B64JSON != "" {
		return strings.TrimSpace(i.B64JSON), true
	}
	if strings.HasPrefix(i.URL, dataURLPrefix) {
		if _, data, found := strings.Cut(i.URL, dataURLBase64Marker); found && data != "" {
			return strings.TrimSpace(data), true
		}
	}
	return "", false
}

func errorMessage(reader io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(reader, maxErrorBodyBytes))
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func parseSize(size string) (int, int, error) {
	widthText, heightText, found := strings.Cut(strings.ToLower(size), "x")
	if !found {
		return 0, 0, fmt.Errorf("imageapi: size %q must look like 1024x1024", size)
	}
	width, widthErr := strconv.Atoi(widthText)
	height, heightErr := strconv.Atoi(heightText)
	if widthErr != nil || heightErr != nil || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("imageapi: size %q must look like 1024x1024", size)
	}
	return width, height, nil
}
