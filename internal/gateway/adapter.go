package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// systemInstruction is the fixed system prompt for every request.
const systemInstruction = "You are a supportive health companion. You help the user reflect on " +
	"symptoms, habits, and wellbeing in plain language. You are not a doctor and you never " +
	"diagnose; for anything that sounds serious, you encourage the user to seek professional care. " +
	"Keep answers short, warm, and practical."

const (
	// DefaultPayloadCap bounds one inline image after base64 encoding.
	// Oversized images are silently dropped from the request.
	DefaultPayloadCap = 1 << 20

	defaultRequestTimeout = 60 * time.Second
	defaultMaxTokens      = 1024
)

// provider issues one model call. Implementations map the request to their
// SDK vocabulary and return the raw generated text or an error.
type provider interface {
	complete(ctx context.Context, req providerRequest) (string, error)
}

// providerRequest is the provider-neutral request shape.
type providerRequest struct {
	System    string
	Turns     []Turn
	UserText  string
	Images    []encodedImage
	Model     string
	MaxTokens int64
}

type encodedImage struct {
	MIME string
	B64  string
}

// Options configures an Adapter.
type Options struct {
	Logger *slog.Logger

	// Provider selects the backend: "openai" | "anthropic" |
	// "openai_compatible" (requires BaseURL).
	Provider string
	APIKey   string
	BaseURL  string
	Model    string

	// PayloadCap bounds one inline image after base64 encoding; 0 means
	// DefaultPayloadCap.
	PayloadCap int

	// RequestTimeout is the per-request network timeout. The orchestrator
	// watchdog is independent of it.
	RequestTimeout time.Duration

	MaxTokens int64
}

// Adapter is the language-model gateway. Complete never returns an error:
// failures become fallback replies.
type Adapter struct {
	log *slog.Logger

	prov       provider
	model      string
	payloadCap int
	timeout    time.Duration
	maxTokens  int64

	configured bool
}

// New builds an Adapter. A missing API key or unknown provider does not
// fail construction; the adapter reports FailConfiguration per call so the
// chat remains usable.
func New(opts Options) *Adapter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		log:        log,
		model:      strings.TrimSpace(opts.Model),
		payloadCap: opts.PayloadCap,
		timeout:    opts.RequestTimeout,
		maxTokens:  opts.MaxTokens,
	}
	if a.payloadCap <= 0 {
		a.payloadCap = DefaultPayloadCap
	}
	if a.timeout <= 0 {
		a.timeout = defaultRequestTimeout
	}
	if a.maxTokens <= 0 {
		a.maxTokens = defaultMaxTokens
	}

	key := strings.TrimSpace(opts.APIKey)
	if key == "" || a.model == "" {
		return a
	}
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "openai":
		a.prov = newOpenAIProvider(key, "")
	case "openai_compatible":
		base := strings.TrimSpace(opts.BaseURL)
		if base == "" {
			return a
		}
		a.prov = newOpenAIProvider(key, base)
	case "anthropic":
		a.prov = newAnthropicProvider(key, strings.TrimSpace(opts.BaseURL))
	default:
		return a
	}
	a.configured = true
	return a
}

// Configured reports whether the adapter has a usable provider.
func (a *Adapter) Configured() bool {
	return a != nil && a.configured
}

// Complete issues exactly one model call for the turn. It never returns an
// error; on failure the Response carries the fixed fallback reply for the
// classified failure kind plus a notice string.
func (a *Adapter) Complete(ctx context.Context, req Request) Response {
	if a == nil || !a.configured {
		return failureResponse(FailConfiguration)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	preq := providerRequest{
		System:    systemInstruction,
		Turns:     req.History,
		UserText:  strings.TrimSpace(req.UserText),
		Model:     a.model,
		MaxTokens: a.maxTokens,
	}
	for _, img := range req.Images {
		if len(img.Data) == 0 {
			continue
		}
		b64 := base64.StdEncoding.EncodeToString(img.Data)
		if len(b64) > a.payloadCap {
			// Drop silently rather than failing the whole turn.
			a.log.Debug("dropping oversized inline image", "encoded_bytes", len(b64), "cap", a.payloadCap)
			continue
		}
		mime := strings.TrimSpace(img.MIME)
		if mime == "" {
			mime = "image/jpeg"
		}
		preq.Images = append(preq.Images, encodedImage{MIME: mime, B64: b64})
	}

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	text, err := a.prov.complete(cctx, preq)
	if err != nil {
		kind := classifyError(err)
		a.log.Warn("gateway call failed", "kind", string(kind), "err", err)
		return failureResponse(kind)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		a.log.Warn("gateway returned empty text")
		return failureResponse(FailMalformedResponse)
	}
	return Response{Text: text}
}

func dataURL(mime, b64 string) string {
	return fmt.Sprintf("data:%s;base64,%s", mime, b64)
}
