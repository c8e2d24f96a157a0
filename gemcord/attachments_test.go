package gemcord

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// minimalPDF builds a single page PDF document showing text
func minimalPDF(text string) []byte {
	content := fmt.Sprintf("BT /F1 24 Tf 72 720 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(
		&buf,
		"trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(objects)+1,
		xref,
	)
	return buf.Bytes()
}

// badXrefPDF is a PDF whose startxref offset points past the end of
// the document
func badXrefPDF() []byte {
	return []byte(
		"%PDF-1.4\n" +
			"1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n" +
			"2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n" +
			"startxref\n99999\n%%EOF\n",
	)
}

type attachmentServer struct {
	*httptest.Server
	requests atomic.Int64
}

func newAttachmentServer(t *testing.T, files map[string][]byte) *attachmentServer {
	t.Helper()
	s := &attachmentServer{}
	s.Server = httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				s.requests.Add(1)
				data, ok := files[r.URL.Path]
				if !ok {
					http.NotFound(w, r)
					return
				}
				_, _ = w.Write(data)
			},
		),
	)
	t.Cleanup(s.Close)
	return s
}

func (s *attachmentServer) attachment(name, contentType string) *discordgo.MessageAttachment {
	return &discordgo.MessageAttachment{
		ID:          name,
		Filename:    name,
		ContentType: contentType,
		URL:         s.URL + "/" + name,
	}
}

func TestAttachmentExtractor_Text(t *testing.T) {
	t.Parallel()
	srv := newAttachmentServer(
		t, map[string][]byte{
			"/notes.txt":  []byte("line one\nline two"),
			"/query.SQL":  []byte("select 1;"),
			"/binary.exe": []byte("MZ"),
		},
	)
	extractor := newAttachmentExtractor(srv.Client(), slog.Default())

	prompt, parts := extractor.Extract(
		context.Background(),
		"hello",
		[]*discordgo.MessageAttachment{
			srv.attachment("notes.txt", "text/plain"),
			srv.attachment("binary.exe", "application/octet-stream"),
			srv.attachment("query.SQL", ""),
		},
	)
	assert.Empty(t, parts)
	assert.Equal(
		t,
		"hello"+
			"\n\n[`notes.txt` File Content]:\n```\nline one\nline two\n```"+
			"\n\n[`query.SQL` File Content]:\n```\nselect 1;\n```",
		prompt,
	)
	// the disallowed extension is never downloaded
	assert.Equal(t, int64(2), srv.requests.Load())
}

func TestAttachmentExtractor_PDF(t *testing.T) {
	t.Parallel()
	srv := newAttachmentServer(
		t, map[string][]byte{
			"/doc.pdf": minimalPDF("Hello PDF"),
		},
	)
	extractor := newAttachmentExtractor(srv.Client(), slog.Default())

	prompt, _ := extractor.Extract(
		context.Background(),
		"read this",
		[]*discordgo.MessageAttachment{srv.attachment("doc.pdf", "application/pdf")},
	)
	assert.Contains(t, prompt, "[`doc.pdf` File Content]:\n```\n")
	assert.Contains(t, prompt, "Hello PDF")
	assert.NotContains(t, prompt, "%PDF")
	assert.NotContains(t, prompt, "endobj")
}

func TestAttachmentExtractor_MalformedPDF(t *testing.T) {
	t.Parallel()
	srv := newAttachmentServer(
		t, map[string][]byte{
			"/broken.pdf": badXrefPDF(),
			"/notes.txt":  []byte("still here"),
		},
	)
	extractor := newAttachmentExtractor(srv.Client(), slog.Default())

	var prompt string
	require.NotPanics(
		t, func() {
			prompt, _ = extractor.Extract(
				context.Background(),
				"p",
				[]*discordgo.MessageAttachment{
					srv.attachment("broken.pdf", "application/pdf"),
					srv.attachment("notes.txt", "text/plain"),
				},
			)
		},
	)
	assert.Equal(t, "p\n\n[`notes.txt` File Content]:\n```\nstill here\n```", prompt)
}

func TestAttachmentExtractor_Images(t *testing.T) {
	t.Parallel()
	png := []byte{0x89, 'P', 'N', 'G'}
	jpg := []byte{0xff, 0xd8, 0xff}
	srv := newAttachmentServer(
		t, map[string][]byte{
			"/a.png": png,
			"/b.jpg": jpg,
		},
	)
	extractor := newAttachmentExtractor(srv.Client(), slog.Default())

	prompt, parts := extractor.Extract(
		context.Background(),
		"look",
		[]*discordgo.MessageAttachment{
			srv.attachment("a.png", "image/png"),
			srv.attachment("missing.gif", "image/gif"),
			srv.attachment("b.jpg", "image/jpeg"),
		},
	)
	assert.Equal(t, "look", prompt)
	assert.Equal(
		t,
		[]Part{
			{InlineData: &InlineData{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(png)}},
			{InlineData: &InlineData{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(jpg)}},
		},
		parts,
	)
}

func TestAttachmentExtractor_FailureIsolated(t *testing.T) {
	t.Parallel()
	srv := newAttachmentServer(
		t, map[string][]byte{
			"/good.md": []byte("# title"),
		},
	)
	extractor := newAttachmentExtractor(srv.Client(), slog.Default())

	prompt, _ := extractor.Extract(
		context.Background(),
		"p",
		[]*discordgo.MessageAttachment{
			srv.attachment("gone.txt", "text/plain"),
			{Filename: "bad-url.txt", URL: "://nope"},
			srv.attachment("good.md", "text/markdown"),
		},
	)
	assert.Equal(t, "p\n\n[`good.md` File Content]:\n```\n# title\n```", prompt)
}

func TestAttachmentExtension(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"a.TXT":       "txt",
		"archive.tar": "tar",
		"noext":       "",
		"x.min.js":    "js",
	}
	for name, expected := range tests {
		assert.Equal(t, expected, attachmentExtension(name), name)
	}
}

func TestPDFText_Invalid(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		data string
	}{
		{
			name: "not a pdf",
			data: "not a pdf",
		},
		{
			name: "startxref past end of file",
			data: string(badXrefPDF()),
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				var text string
				var err error
				require.NotPanics(
					t, func() {
						text, err = pdfText([]byte(tc.data))
					},
				)
				require.Error(t, err)
				assert.Empty(t, text)
			},
		)
	}
}
