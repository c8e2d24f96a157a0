package gemcord

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/sethvargo/go-retry"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	queueJoinPath = "/queue/join"
	queueDataPath = "/queue/data"

	sessionHashLength  = 5
	sessionHashLetters = "abcdefghijklmnopqrstuvwxyz0123456789"

	queueMsgProcessCompleted = "process_completed"
	queueMsgQueueFull        = "queue_full"
	queueMsgCloseStream      = "close_stream"
	queueMsgUnexpectedError  = "unexpected_error"

	// maxEventSize bounds a single server-sent event line
	maxEventSize = 4 << 20
)

var (
	ErrImageURLMissing      = errors.New("image URL missing from response")
	ErrImageGenerationError = errors.New("image generation failed")
	ErrImageStreamEnded     = errors.New("event stream ended before completion")
	ErrImageQueueFull       = errors.New("image generation queue is full")
)

// AspectRatio is the shape of a generated image
type AspectRatio string

const (
	AspectRatioSquare    AspectRatio = "Square"
	AspectRatioLandscape AspectRatio = "Landscape"
	AspectRatioPortrait  AspectRatio = "Portrait"
)

// Dimensions returns the width and height, in pixels, requested for
// the aspect ratio. Unknown values are treated as square.
func (a AspectRatio) Dimensions() (width int, height int) {
	switch a {
	case AspectRatioLandscape:
		return 1280, 768
	case AspectRatioPortrait:
		return 768, 1280
	default:
		return 1024, 1024
	}
}

// ImageRequest is a single image generation request
type ImageRequest struct {
	Prompt      string
	AspectRatio AspectRatio
}

func (r ImageRequest) LogValue() slog.Value {
	w, h := r.AspectRatio.Dimensions()
	return slog.GroupValue(
		slog.String("prompt", truncate(r.Prompt, 100)),
		slog.String("aspect_ratio", string(r.AspectRatio)),
		slog.Int("width", w),
		slog.Int("height", h),
	)
}

// queueJoinRequest is the payload submitting a job to the queue
type queueJoinRequest struct {
	Data        []any  `json:"data"`
	EventData   any    `json:"event_data"`
	FnIndex     int    `json:"fn_index"`
	TriggerID   int    `json:"trigger_id"`
	SessionHash string `json:"session_hash"`
}

// queueEvent is a single server-sent event from the queue's data stream
type queueEvent struct {
	Msg     string `json:"msg"`
	EventID string `json:"event_id,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Output  *struct {
		Data  []json.RawMessage `json:"data"`
		Error string            `json:"error,omitempty"`
	} `json:"output,omitempty"`
	Message string `json:"message,omitempty"`
}

// ImageClient generates images using a queued inference endpoint:
// a job is submitted, then its result is read from an event stream
// keyed by the same session hash.
type ImageClient struct {
	baseURL     string
	fnIndex     int
	triggerID   int
	steps       int
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	httpClient  *http.Client
	logger      *slog.Logger

	sessionHash func() string
	seed        func() int64
}

func newImageClient(
	config *ImagineConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *ImageClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &ImageClient{
		baseURL:     strings.TrimSuffix(config.URL, "/"),
		fnIndex:     config.FnIndex,
		triggerID:   config.TriggerID,
		steps:       config.Steps,
		timeout:     config.Timeout,
		maxAttempts: config.MaxAttempts,
		backoff:     config.Backoff,
		httpClient:  httpClient,
		logger:      logger.With(loggerNameKey, "imagine"),
		sessionHash: randomSessionHash,
		seed:        randomSeed,
	}
}

// Enabled returns false if no endpoint is configured
func (c *ImageClient) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// Generate submits the request and waits for the resulting image URL.
// Each attempt is bounded by the configured timeout, and failed
// attempts are retried with a constant backoff.
func (c *ImageClient) Generate(ctx context.Context, req ImageRequest) (string, error) {
	logger := loggerFromContext(ctx, c.logger)

	backoff := c.backoff
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	attempts := max(c.maxAttempts, 1)
	b := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(backoff))

	var imageURL string
	attempt := 0
	err := retry.Do(
		ctx, b, func(ctx context.Context) error {
			attempt++
			u, err := c.generateOnce(ctx, req)
			if err != nil {
				logger.WarnContext(
					ctx,
					"image generation attempt failed",
					"attempt", attempt,
					"request", req,
					tint.Err(err),
				)
				if ctx.Err() != nil {
					return err
				}
				return retry.RetryableError(err)
			}
			imageURL = u
			return nil
		},
	)
	if err != nil {
		return "", err
	}
	logger.InfoContext(
		ctx,
		"generated image",
		"request", req,
		"attempts", attempt,
		"url", imageURL,
	)
	return imageURL, nil
}

func (c *ImageClient) generateOnce(ctx context.Context, req ImageRequest) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	hash := c.sessionHash()
	if err := c.join(ctx, hash, req); err != nil {
		return "", err
	}
	return c.awaitResult(ctx, hash)
}

// join submits the generation job to the queue
func (c *ImageClient) join(ctx context.Context, hash string, req ImageRequest) error {
	width, height := req.AspectRatio.Dimensions()
	payload := queueJoinRequest{
		Data: []any{
			req.Prompt,
			c.seed(),
			false,
			width,
			height,
			c.steps,
		},
		EventData:   nil,
		FnIndex:     c.fnIndex,
		TriggerID:   c.triggerID,
		SessionHash: hash,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+queueJoinPath,
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("error joining queue: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf(
			"error joining queue: %s: %s",
			resp.Status,
			strings.TrimSpace(string(respBody)),
		)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// awaitResult reads the session's event stream until the job completes,
// the stream ends, or ctx is done
func (c *ImageClient) awaitResult(ctx context.Context, hash string) (string, error) {
	logger := loggerFromContext(ctx, c.logger)
	q := url.Values{"session_hash": []string{hash}}
	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+queueDataPath+"?"+q.Encode(),
		nil,
	)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("error reading queue: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("error reading queue: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var event queueEvent
		if err = json.Unmarshal([]byte(strings.TrimSpace(data)), &event); err != nil {
			logger.WarnContext(ctx, "unreadable queue event", "data", data, tint.Err(err))
			continue
		}
		logger.DebugContext(ctx, "queue event", "msg", event.Msg)

		switch event.Msg {
		case queueMsgProcessCompleted:
			return completedImageURL(event)
		case queueMsgQueueFull:
			return "", ErrImageQueueFull
		case queueMsgUnexpectedError:
			return "", fmt.Errorf("%w: %s", ErrImageGenerationError, event.Message)
		case queueMsgCloseStream:
			return "", ErrImageStreamEnded
		}
	}
	if err = scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("waiting for image: %w", ctxErr)
		}
		return "", fmt.Errorf("error reading event stream: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("waiting for image: %w", ctxErr)
	}
	return "", ErrImageStreamEnded
}

func completedImageURL(event queueEvent) (string, error) {
	if event.Success != nil && !*event.Success {
		msg := ""
		if event.Output != nil {
			msg = event.Output.Error
		}
		return "", fmt.Errorf("%w: %s", ErrImageGenerationError, msg)
	}
	if event.Output == nil || len(event.Output.Data) == 0 {
		return "", ErrImageURLMissing
	}
	return extractImageURL(event.Output.Data[0])
}

// extractImageURL finds the image URL in the first output component,
// which is either a single image ({"url": ...}) or a gallery
// ([{"image": {"url": ...}}, ...]).
func extractImageURL(raw json.RawMessage) (string, error) {
	var single struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &single); err == nil && single.URL != "" {
		return single.URL, nil
	}

	var gallery []struct {
		Image struct {
			URL string `json:"url"`
		} `json:"image"`
	}
	if err := json.Unmarshal(raw, &gallery); err == nil {
		for _, item := range gallery {
			if item.Image.URL != "" {
				return item.Image.URL, nil
			}
		}
	}
	return "", ErrImageURLMissing
}

func randomSessionHash() string {
	b := make([]byte, sessionHashLength)
	for i := range b {
		b[i] = sessionHashLetters[rand.IntN(len(sessionHashLetters))]
	}
	return string(b)
}

func randomSeed() int64 {
	return rand.Int64N(math.MaxInt32)
}
