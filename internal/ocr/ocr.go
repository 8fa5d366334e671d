// Package ocr wraps the external optical text-recognition capability.
// Extraction failures are non-fatal to the chat: callers surface a
// transient notice and continue.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/karunalabs/companion/internal/imaging"
)

var (
	// ErrNoTextFound is returned when the engine recognized nothing.
	ErrNoTextFound = errors.New("no text found")
	// ErrEngineError is returned when the engine could not be reached or
	// returned an unusable response.
	ErrEngineError = errors.New("ocr engine error")
)

// DisplayLimit caps recognized text when shown inline in a suggestion
// message. Downstream consumers get the full text.
const DisplayLimit = 160

const defaultTimeout = 30 * time.Second

// Extractor recognizes text in a normalized image.
type Extractor interface {
	Extract(ctx context.Context, img *imaging.NormalizedImage) (string, error)
}

// HTTPExtractor calls a local or remote recognition service over HTTP.
// The wire format is one JSON POST: {"image_base64": ..., "mime": ...}
// answered by {"text": ...}.
type HTTPExtractor struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPExtractor(endpoint string, timeout time.Duration) *HTTPExtractor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPExtractor{
		endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type recognizeRequest struct {
	ImageBase64 string `json:"image_base64"`
	MIME        string `json:"mime,omitempty"`
}

type recognizeResponse struct {
	Text string `json:"text"`
}

func (e *HTTPExtractor) Extract(ctx context.Context, img *imaging.NormalizedImage) (string, error) {
	if e == nil || e.endpoint == "" {
		return "", fmt.Errorf("%w: extractor not configured", ErrEngineError)
	}
	if img == nil || len(img.Data) == 0 {
		return "", ErrNoTextFound
	}
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(recognizeRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(img.Data),
		MIME:        img.MIME,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineError, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/recognize", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrEngineError, resp.StatusCode)
	}

	var out recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineError, err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", ErrNoTextFound
	}
	return text, nil
}

// TruncateForDisplay shortens text to DisplayLimit runes with an ellipsis.
// It never splits a rune.
func TruncateForDisplay(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= DisplayLimit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:DisplayLimit])) + "…"
}
