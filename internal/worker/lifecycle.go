package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tvboard/tvboard-edge/internal/cache"
	"github.com/tvboard/tvboard-edge/internal/fetch"
	"github.com/tvboard/tvboard-edge/internal/logging"
)

// precacheConcurrency 限制预缓存并发回源数量。
const precacheConcurrency = 4

// Start 执行 install；配置了 SkipWaiting 或已收到 SKIP_WAITING 时紧接着 activate。
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}

	w.mu.Lock()
	skip := w.opts.SkipWaiting || w.skipRequested
	w.mu.Unlock()
	if !skip {
		w.logger.WithFields(logrus.Fields{"action": "install"}).Info("worker installed, waiting for SKIP_WAITING")
		return nil
	}
	return w.Activate(ctx)
}

// Install 打开当前静态缓存代并预缓存本地与 CDN 资源。
// 本地清单要么全部写入要么全部放弃（记录 install_failed），CDN 清单逐条尽力而为。
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateParsed && w.state != StateInstalled {
		current := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: install from %s", ErrInvalidState, current)
	}
	w.mu.Unlock()

	ctx, span := w.tracer.Start(ctx, "worker.install", trace.WithAttributes(
		attribute.String("tvboard.static_cache", w.opts.StaticCache),
	))
	defer span.End()

	w.setState(StateInstalling)
	static, err := w.storage.Open(ctx, w.opts.StaticCache)
	if err != nil {
		w.setState(StateParsed)
		return fmt.Errorf("open static cache: %w", err)
	}

	fields := logrus.Fields{"action": "install", "generation": w.opts.StaticCache}
	if err := w.precacheLocal(ctx, static); err != nil {
		w.logger.WithFields(fields).WithField("action", "install_failed").WithError(err).Error("local precache failed")
	} else {
		w.logger.WithFields(fields).WithField("assets", len(w.opts.Precache)).Info("local precache completed")
	}

	stored, failed := w.precacheCDN(ctx, static)
	w.logger.WithFields(fields).WithField("stored", stored).WithField("failed", failed).Info("cdn precache completed")

	w.setState(StateInstalled)
	return nil
}

type precached struct {
	key  string
	resp *fetch.Response
}

// precacheLocal 先全部抓取到内存，全部成功后再逐条写入，任何失败都不写入。
func (w *Worker) precacheLocal(ctx context.Context, static cache.Cache) error {
	if len(w.opts.Precache) == 0 {
		return nil
	}

	p := pool.NewWithResults[precached]().
		WithContext(ctx).
		WithCancelOnError().
		WithMaxGoroutines(precacheConcurrency)
	for _, asset := range w.opts.Precache {
		p.Go(func(ctx context.Context) (precached, error) {
			key, err := w.resolveAsset(asset)
			if err != nil {
				return precached{}, err
			}
			resp, err := w.fetchForCache(ctx, key)
			if err != nil {
				return precached{}, err
			}
			body, err := readAllLimited(resp.Body, maxConfigFileBytes)
			resp.Close()
			if err != nil {
				return precached{}, fmt.Errorf("read %s: %w", key, err)
			}
			buffered := fetch.NewBytesResponse(resp.Status, resp.Header, body)
			buffered.Type = resp.Type
			buffered.URL = key
			return precached{key: key, resp: buffered}, nil
		})
	}

	results, err := p.Wait()
	if err != nil {
		for _, result := range results {
			result.resp.Close()
		}
		return err
	}

	var errs []error
	for _, result := range results {
		if _, err := cache.PutResponse(ctx, static, result.key, result.resp); err != nil {
			errs = append(errs, fmt.Errorf("store %s: %w", result.key, err))
		}
	}
	return errors.Join(errs...)
}

// precacheCDN 每个 URL 独立抓取，单条失败只记录日志。
func (w *Worker) precacheCDN(ctx context.Context, static cache.Cache) (stored, failed int) {
	if len(w.opts.PrecacheCDN) == 0 {
		return 0, 0
	}

	p := pool.NewWithResults[bool]().WithMaxGoroutines(precacheConcurrency)
	for _, raw := range w.opts.PrecacheCDN {
		p.Go(func() bool {
			resp, err := w.fetchForCache(ctx, raw)
			if err == nil {
				_, err = cache.PutResponse(ctx, static, raw, resp)
			}
			if err != nil {
				w.logger.WithFields(logging.CacheFields("precache_cdn", w.opts.StaticCache, raw)).
					WithError(err).Warn("cdn precache failed")
				return false
			}
			return true
		})
	}

	for _, ok := range p.Wait() {
		if ok {
			stored++
		} else {
			failed++
		}
	}
	return stored, failed
}

// fetchForCache 以 cors 模式抓取资源，非 2xx 视为失败。
func (w *Worker) fetchForCache(ctx context.Context, rawURL string) (*fetch.Response, error) {
	req, err := fetch.NewRequest(http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		resp.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.Status)
	}
	return resp, nil
}

// resolveAsset 把本地清单中的相对路径解析到 self origin 下。
func (w *Worker) resolveAsset(asset string) (string, error) {
	base, err := url.Parse(w.opts.SelfOrigin + "/")
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(asset))
	if err != nil {
		return "", fmt.Errorf("invalid precache asset %q: %w", asset, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// Activate 删除当前静态/视频代以外的全部缓存代，并立即接管所有页面。
// 删除失败会被记录并汇总返回，但 Worker 仍进入 activated。
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateInstalled:
	case StateActivated:
		w.mu.Unlock()
		return nil
	default:
		current := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, current)
	}
	w.mu.Unlock()

	ctx, span := w.tracer.Start(ctx, "worker.activate")
	defer span.End()

	w.setState(StateActivating)

	var errs []error
	names, err := w.storage.Names(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list generations: %w", err))
	}
	for _, name := range names {
		if name == w.opts.StaticCache || name == w.opts.VideoCache {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete generation %s: %w", name, err))
			continue
		}
		w.logger.WithFields(logrus.Fields{"action": "activate", "generation": name}).Info("deleted stale generation")
	}

	w.setState(StateActivated)
	claimed, err := w.ClaimClients()
	if err != nil {
		errs = append(errs, err)
	}
	w.logger.WithFields(logrus.Fields{
		"action":  "activate",
		"static":  w.opts.StaticCache,
		"video":   w.opts.VideoCache,
		"clients": claimed,
	}).Info("worker activated and controlling clients")

	return errors.Join(errs...)
}

// SkipWaiting 让已安装的 Worker 立即激活；安装尚未完成时记录请求，安装结束后激活。
func (w *Worker) SkipWaiting(ctx context.Context) error {
	w.mu.Lock()
	w.skipRequested = true
	state := w.state
	w.mu.Unlock()

	if state != StateInstalled {
		return nil
	}
	return w.Activate(ctx)
}
