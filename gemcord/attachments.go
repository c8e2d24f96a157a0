package gemcord

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/ledongthuc/pdf"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	// maxAttachmentBytes bounds the size of a single downloaded attachment
	maxAttachmentBytes = 25 << 20

	attachmentDownloadTimeout = time.Minute
	attachmentRetryMax        = 2
	attachmentConcurrency     = 4

	pdfExtension = "pdf"
)

var (
	// textAttachmentExtensions are the file types read as text and
	// appended to the prompt
	textAttachmentExtensions = []string{
		"html", "js", "css", "json", "xml", "csv", "py", "java", "sql",
		"log", "md", "txt", pdfExtension,
	}

	ErrAttachmentTooLarge = errors.New("attachment too large")
)

// AttachmentExtractor downloads message attachments. Text-like files
// are appended to the prompt, and images are returned as inline parts.
type AttachmentExtractor struct {
	client *retryablehttp.Client
	logger *slog.Logger
}

func newAttachmentExtractor(
	httpClient *http.Client,
	logger *slog.Logger,
) *AttachmentExtractor {
	client := retryablehttp.NewClient()
	client.RetryMax = attachmentRetryMax
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	if httpClient != nil {
		client.HTTPClient = httpClient
	} else {
		client.HTTPClient.Timeout = attachmentDownloadTimeout
	}
	client.Logger = nil

	return &AttachmentExtractor{
		client: client,
		logger: logger.With(loggerNameKey, "attachments"),
	}
}

// Extract returns prompt with the content of any text attachments
// appended, and inline parts for any image attachments. An attachment
// which fails to download or decode is logged and skipped.
func (e *AttachmentExtractor) Extract(
	ctx context.Context,
	prompt string,
	attachments []*discordgo.MessageAttachment,
) (string, []Part) {
	if len(attachments) == 0 {
		return prompt, nil
	}
	logger := loggerFromContext(ctx, e.logger)

	var sb strings.Builder
	sb.WriteString(prompt)

	var images []*discordgo.MessageAttachment
	for _, a := range attachments {
		if a == nil {
			continue
		}
		if isImageAttachment(a) {
			images = append(images, a)
		}
		ext := attachmentExtension(a.Filename)
		if !slices.Contains(textAttachmentExtensions, ext) {
			continue
		}
		content, err := e.readText(ctx, a.URL, ext)
		if err != nil {
			logger.ErrorContext(
				ctx,
				"error reading attachment",
				"filename", a.Filename,
				"url", a.URL,
				tint.Err(err),
			)
			continue
		}
		sb.WriteString(textAttachmentBlock(a.Filename, content))
	}

	return sb.String(), e.imageParts(ctx, logger, images)
}

// imageParts downloads images concurrently, returning parts in the
// same order as the attachments, minus any that failed.
func (e *AttachmentExtractor) imageParts(
	ctx context.Context,
	logger *slog.Logger,
	images []*discordgo.MessageAttachment,
) []Part {
	if len(images) == 0 {
		return nil
	}
	results := make([]*Part, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(attachmentConcurrency)
	for i, a := range images {
		i, a := i, a
		g.Go(
			func() error {
				data, err := e.download(gctx, a.URL)
				if err != nil {
					logger.ErrorContext(
						ctx,
						"error downloading image",
						"filename", a.Filename,
						"url", a.URL,
						tint.Err(err),
					)
					return nil
				}
				results[i] = &Part{
					InlineData: &InlineData{
						MimeType: a.ContentType,
						Data:     base64.StdEncoding.EncodeToString(data),
					},
				}
				return nil
			},
		)
	}
	_ = g.Wait()

	parts := make([]Part, 0, len(results))
	for _, p := range results {
		if p != nil {
			parts = append(parts, *p)
		}
	}
	return parts
}

func (e *AttachmentExtractor) readText(
	ctx context.Context,
	url string,
	ext string,
) (string, error) {
	data, err := e.download(ctx, url)
	if err != nil {
		return "", err
	}
	if ext == pdfExtension {
		return pdfText(data)
	}
	return string(data), nil
}

func (e *AttachmentExtractor) download(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading attachment: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to download attachment: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("error reading attachment: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, ErrAttachmentTooLarge
	}
	return data, nil
}

// pdfText extracts the plain text content of a PDF document. The pdf
// package panics on some malformed documents, which is returned as an
// error.
func pdfText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("error reading pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("error reading pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("error extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err = buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("error extracting pdf text: %w", err)
	}
	return buf.String(), nil
}

func textAttachmentBlock(filename, content string) string {
	return fmt.Sprintf("\n\n[`%s` File Content]:\n```\n%s\n```", filename, content)
}

func attachmentExtension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

func isImageAttachment(a *discordgo.MessageAttachment) bool {
	return strings.HasPrefix(a.ContentType, "image/")
}
