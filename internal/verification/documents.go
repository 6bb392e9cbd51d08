package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/kopa-agent/kopa/internal/resilience"
	"github.com/kopa-agent/kopa/internal/retry"
)

// DocumentAnalyzer extracts structured data from a receipt image.
type DocumentAnalyzer interface {
	Extract(ctx context.Context, image string) (*DocumentData, error)
}

// ErrNoAnalyzer is reported when a receipt proof arrives and no analyzer is configured.
var ErrNoAnalyzer = errors.New("no document analyzer configured")

var imageDataURLRegex = regexp.MustCompile(`^data:image/(jpeg|jpg|png|webp);base64,`)

// ValidateImageFormat reports whether image is a base64 data URL of a JPEG, PNG or WebP.
func ValidateImageFormat(image string) bool {
	return imageDataURLRegex.MatchString(image)
}

// HTTPAnalyzer calls a remote OCR service. The service accepts
// {"image": "<data url>"} and answers with a DocumentData JSON object.
type HTTPAnalyzer struct {
	url    string
	client *http.Client
}

// NewHTTPAnalyzer creates an analyzer posting to url.
func NewHTTPAnalyzer(url string, timeout time.Duration) *HTTPAnalyzer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAnalyzer{url: url, client: &http.Client{Timeout: timeout}}
}

func (a *HTTPAnalyzer) Extract(ctx context.Context, image string) (*DocumentData, error) {
	body, err := json.Marshal(map[string]string{"image": image})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build analyzer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("document analyzer unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read analyzer response: %w", err)
	}
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("document analyzer returned %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var doc DocumentData
	if err := json.Unmarshal(respBody, &doc); err != nil {
		return nil, fmt.Errorf("invalid analyzer response: %w", err)
	}
	return &doc, nil
}

// GuardedAnalyzer routes Extract through a resilience.Invoker so a flaky
// OCR service is retried and an unavailable one trips its own breaker.
type GuardedAnalyzer struct {
	inner   DocumentAnalyzer
	invoker *resilience.Invoker
}

// NewGuardedAnalyzer wraps inner with inv.
func NewGuardedAnalyzer(inner DocumentAnalyzer, inv *resilience.Invoker) *GuardedAnalyzer {
	return &GuardedAnalyzer{inner: inner, invoker: inv}
}

func (g *GuardedAnalyzer) Extract(ctx context.Context, image string) (*DocumentData, error) {
	return resilience.Call(ctx, g.invoker, "extract_document", func(ctx context.Context) (*DocumentData, error) {
		return g.inner.Extract(ctx, image)
	})
}
