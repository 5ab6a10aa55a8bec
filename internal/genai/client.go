package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carmelita-app/backend/internal/config"
)

// ErrPollTimeout is returned when a long-running operation does not complete
// within the configured attempt budget.
var ErrPollTimeout = errors.New("operation polling timed out")

const apiVersion = "v1beta"

type Client struct {
	apiKey          string
	baseURL         string
	httpClient      *http.Client
	log             *slog.Logger
	pollInterval    time.Duration
	pollMaxAttempts int
}

type TextOptions struct {
	Model             string
	Prompt            string
	SystemInstruction string
	JSONResponse      bool
}

type VideoOptions struct {
	Model       string
	Prompt      string
	AspectRatio string
	Resolution  string
	SampleCount int
}

// InlineImage is an image returned inline by the backend, already decoded.
type InlineImage struct {
	MimeType string
	Data     []byte
}

// DataURI renders the image as a data: URI for direct embedding by clients.
func (i *InlineImage) DataURI() string {
	return "data:" + i.MimeType + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	attempts := cfg.PollMaxAttempts
	if attempts <= 0 {
		attempts = 100
	}

	return &Client{
		apiKey:  cfg.GeminiAPIKey,
		baseURL: strings.TrimRight(cfg.GeminiBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:             log,
		pollInterval:    interval,
		pollMaxAttempts: attempts,
	}
}

// wire types for models/{model}:generateContent

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateContentRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// GenerateText runs a synchronous text completion and returns the concatenated
// text parts verbatim. JSON well-formedness of a JSONResponse is the caller's
// problem.
func (c *Client) GenerateText(ctx context.Context, opts TextOptions) (string, error) {
	reqBody := generateContentRequest{
		Contents: []content{{Parts: []part{{Text: opts.Prompt}}}},
	}
	if opts.SystemInstruction != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: opts.SystemInstruction}}}
	}
	if opts.JSONResponse {
		reqBody.GenerationConfig = &generationConfig{ResponseMimeType: "application/json"}
	}

	resp, err := c.generateContent(ctx, opts.Model, reqBody)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

// GenerateImage runs a synchronous generation and extracts the first inline
// image part. A response with no image part is an error, not an empty result.
func (c *Client) GenerateImage(ctx context.Context, model, prompt string) (*InlineImage, error) {
	reqBody := generateContentRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	}

	resp, err := c.generateContent(ctx, model, reqBody)
	if err != nil {
		return nil, err
	}

	for _, p := range resp.Candidates[0].Content.Parts {
		if p.InlineData == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return nil, fmt.Errorf("decode inline image: %w", err)
		}
		return &InlineImage{MimeType: p.InlineData.MimeType, Data: data}, nil
	}
	return nil, fmt.Errorf("no inline image in response")
}

func (c *Client) generateContent(ctx context.Context, model string, reqBody generateContentRequest) (*generateContentResponse, error) {
	endpoint := fmt.Sprintf("%s/%s/models/%s:generateContent", c.baseURL, apiVersion, url.PathEscape(model))

	rawBody, err := c.post(ctx, endpoint, reqBody)
	if err != nil {
		return nil, err
	}

	var parsed generateContentResponse
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode generate response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response (body=%s)", truncateBody(rawBody))
	}
	return &parsed, nil
}

// GenerateVideo submits an asynchronous generation job and polls the returned
// operation handle until it reports done, then returns the result URI. The URI
// still requires the API key to fetch; delivery policy is the caller's concern.
func (c *Client) GenerateVideo(ctx context.Context, opts VideoOptions) (string, error) {
	name, err := c.submitVideoJob(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("submit video job: %w", err)
	}
	return c.pollOperation(ctx, name)
}

func (c *Client) submitVideoJob(ctx context.Context, opts VideoOptions) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/models/%s:predictLongRunning", c.baseURL, apiVersion, url.PathEscape(opts.Model))

	sampleCount := opts.SampleCount
	if sampleCount <= 0 {
		sampleCount = 1
	}
	parameters := map[string]any{
		"sampleCount": sampleCount,
	}
	if opts.AspectRatio != "" {
		parameters["aspectRatio"] = opts.AspectRatio
	}
	if opts.Resolution != "" {
		parameters["resolution"] = opts.Resolution
	}

	payload := map[string]any{
		"instances":  []map[string]any{{"prompt": opts.Prompt}},
		"parameters": parameters,
	}

	rawBody, err := c.post(ctx, endpoint, payload)
	if err != nil {
		return "", err
	}

	var submitResp struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(rawBody, &submitResp); err != nil {
		return "", fmt.Errorf("decode submit response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if submitResp.Name == "" {
		return "", fmt.Errorf("empty operation name in response")
	}

	if c.log != nil {
		c.log.Info("video job submitted", "operation", submitResp.Name)
	}
	return submitResp.Name, nil
}

type operationResponse struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response"`
}

// pollOperation re-queries the operation handle at a fixed interval until the
// backend reports completion or the attempt budget runs out.
func (c *Client) pollOperation(ctx context.Context, name string) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, apiVersion, name)

	for attempt := 0; attempt < c.pollMaxAttempts; attempt++ {
		op, err := c.getOperation(ctx, endpoint)
		if err != nil {
			return "", err
		}

		if !op.Done {
			if c.log != nil && attempt%10 == 0 {
				c.log.Info("video job pending", "operation", name, "attempt", attempt+1, "max_attempts", c.pollMaxAttempts)
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.pollInterval):
			}
			continue
		}

		if op.Error != nil {
			return "", fmt.Errorf("video job failed: %s (code %d)", op.Error.Message, op.Error.Code)
		}
		samples := op.Response.GenerateVideoResponse.GeneratedSamples
		if len(samples) == 0 || samples[0].Video.URI == "" {
			return "", fmt.Errorf("operation done but no video uri in response")
		}
		if c.log != nil {
			c.log.Info("video job completed", "operation", name, "attempt", attempt+1)
		}
		return samples[0].Video.URI, nil
	}

	return "", fmt.Errorf("%w after %d attempts", ErrPollTimeout, c.pollMaxAttempts)
}

func (c *Client) getOperation(ctx context.Context, endpoint string) (*operationResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	rawBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("operation poll failed", "status", resp.StatusCode, "url", endpoint, "body", truncateBody(rawBody))
		}
		return nil, fmt.Errorf("genai error: status=%d url=%s body=%s", resp.StatusCode, endpoint, truncateBody(rawBody))
	}

	var op operationResponse
	if err := json.Unmarshal(rawBody, &op); err != nil {
		return nil, fmt.Errorf("decode operation response: %w (body=%s)", err, truncateBody(rawBody))
	}
	return &op, nil
}

// Download fetches generated media from the provider, authenticating with the
// API key so the key never has to appear in a client-visible URL.
func (c *Client) Download(ctx context.Context, uri string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		rawBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("genai error: status=%d url=%s body=%s", resp.StatusCode, uri, truncateBody(rawBody))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read media body: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	return data, contentType, nil
}

// KeyedURI appends the API key to the result URI query string. The resulting
// URL is fetchable by a plain browser but also shareable with the key inside,
// which is why signed delivery is the default.
func (c *Client) KeyedURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	query := parsed.Query()
	query.Set("key", c.apiKey)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post genai: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("genai request failed", "status", resp.StatusCode, "url", endpoint, "body", truncateBody(rawBody))
		}
		return nil, fmt.Errorf("genai error: status=%d url=%s body=%s", resp.StatusCode, endpoint, truncateBody(rawBody))
	}
	return rawBody, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
