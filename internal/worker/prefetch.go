package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/sourcegraph/conc/pool"

	"github.com/tvboard/tvboard-edge/internal/cache"
	"github.com/tvboard/tvboard-edge/internal/fetch"
)

// 预取结果状态。
const (
	PrefetchStored  = "stored"
	PrefetchCached  = "cached"
	PrefetchFailed  = "failed"
	prefetchWorkers = 3
)

// PrefetchResult 描述单个 URL 的预取结果。
type PrefetchResult struct {
	URL       string `json:"url"`
	Key       string `json:"key"`
	Status    string `json:"status"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ValidatePrefetchURL 要求绝对 http/https 地址。
func ValidatePrefetchURL(raw string) error {
	if err := validation.Validate(raw, validation.Required, is.URL); err != nil {
		return err
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("must be an absolute http or https URL")
	}
	return nil
}

// Prefetch 把视频整段写入视频缓存代，已缓存的 URL 直接跳过。结果顺序与输入一致。
func (w *Worker) Prefetch(ctx context.Context, urls []string) ([]PrefetchResult, error) {
	for _, raw := range urls {
		if err := ValidatePrefetchURL(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", raw, err)
		}
	}

	p := pool.New().WithMaxGoroutines(prefetchWorkers)
	results := make([]PrefetchResult, len(urls))
	for i, raw := range urls {
		p.Go(func() {
			results[i] = w.prefetchOne(ctx, raw)
		})
	}
	p.Wait()
	return results, nil
}

func (w *Worker) prefetchOne(ctx context.Context, raw string) PrefetchResult {
	key := cache.NormalizeKey(raw)
	result := PrefetchResult{URL: raw, Key: key}

	if hit, err := w.videos.Lookup(ctx, raw); err == nil {
		result.Status = PrefetchCached
		result.SizeBytes = hit.Entry.SizeBytes
		hit.Close()
		return result
	}

	req, err := fetch.NewRequest(http.MethodGet, raw)
	if err != nil {
		return prefetchFailure(result, err)
	}
	req.Destination = fetch.DestinationVideo

	resp, err := w.fetchVideo(ctx, req)
	if err != nil {
		return prefetchFailure(result, err)
	}
	entry, err := w.videos.Store(ctx, key, resp)
	if err != nil {
		return prefetchFailure(result, err)
	}
	result.Status = PrefetchStored
	result.SizeBytes = entry.SizeBytes
	return result
}

func prefetchFailure(result PrefetchResult, err error) PrefetchResult {
	result.Status = PrefetchFailed
	result.Error = err.Error()
	return result
}
