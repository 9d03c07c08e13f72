package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tvboard/tvboard-edge/internal/cache"
	"github.com/tvboard/tvboard-edge/internal/fetch"
	"github.com/tvboard/tvboard-edge/internal/logging"
)

// Route 标识请求最终走的拦截分支，用于日志与 X-Tvboard-Cache 头。
type Route string

const (
	RoutePassthrough       Route = "passthrough"
	RouteConfigNetwork     Route = "config_network"
	RouteConfigCache       Route = "config_cache"
	RouteConfigUnavailable Route = "config_unavailable"
	RouteAPI               Route = "api"
	RouteVideoHit          Route = "video_hit"
	RouteVideoMiss         Route = "video_miss"
	RouteVideoFallback     Route = "video_fallback"
	RouteVideoNetwork      Route = "video_network"
	RouteStaticHit         Route = "static_hit"
	RouteStaticMiss        Route = "static_miss"
	RouteOffline           Route = "offline"
	RouteNetworkError      Route = "network_error"
)

// 缓存状态取值，写入 X-Tvboard-Cache。
const (
	CacheStatusHit    = "hit"
	CacheStatusMiss   = "miss"
	CacheStatusBypass = "bypass"
)

// maxConfigFileBytes 限制写入静态缓存的单个资源大小，超出时只透传不缓存。
const maxConfigFileBytes = 8 << 20

// Result 是一次拦截的结果；Response 由调用方负责关闭。
type Result struct {
	Response *fetch.Response
	Route    Route
	CacheHit bool
}

// CacheStatus 将拦截分支映射为 hit/miss/bypass。
func (r *Result) CacheStatus() string {
	if r.CacheHit {
		return CacheStatusHit
	}
	switch r.Route {
	case RouteVideoMiss, RouteStaticMiss, RouteConfigNetwork, RouteVideoNetwork:
		return CacheStatusMiss
	default:
		return CacheStatusBypass
	}
}

// HandleFetch 按优先级处理一次请求：配置脚本、第三方数据 API、视频、其余静态资源。
// 只有最终网络回源失败时才返回 error。
func (w *Worker) HandleFetch(ctx context.Context, req *fetch.Request) (*Result, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch request is nil")
	}

	ctx, span := w.tracer.Start(ctx, "worker.fetch", trace.WithAttributes(
		attribute.String("url.full", req.URL.String()),
		attribute.String("http.request.method", req.Method),
		attribute.String("tvboard.destination", string(req.Destination)),
	))
	defer span.End()

	result, err := w.route(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("tvboard.route", string(result.Route)),
		attribute.Bool("tvboard.cache_hit", result.CacheHit),
	)
	return result, nil
}

func (w *Worker) route(ctx context.Context, req *fetch.Request) (*Result, error) {
	if req.Method != http.MethodGet || !w.admit(req) {
		return w.passthrough(ctx, req, RoutePassthrough)
	}

	if matchesConfigFile(req, w.opts.ConfigFiles) {
		return w.handleConfigFile(ctx, req)
	}

	if matchesPassthroughHost(req, w.opts.PassthroughHosts) {
		return w.passthrough(ctx, req, RouteAPI)
	}

	classification := w.classifier.Classify(req)
	if classification.IsVideo {
		w.logger.WithFields(logrus.Fields{
			"action":        "classify",
			"url":           req.URL.String(),
			"extension":     classification.Extension,
			"destination":   classification.Destination,
			"accept":        classification.Accept,
			"same_origin":   classification.SameOrigin,
			"interceptable": classification.Interceptable,
		}).Debug("video request detected")
	}
	if classification.Interceptable {
		return w.handleVideo(ctx, req)
	}

	return w.handleStatic(ctx, req)
}

func (w *Worker) passthrough(ctx context.Context, req *fetch.Request, route Route) (*Result, error) {
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Route: route}, nil
}

// handleConfigFile 网络优先：超时或失败时退回静态缓存，都不可用时返回 503。
func (w *Worker) handleConfigFile(ctx context.Context, req *fetch.Request) (*Result, error) {
	resp, err := w.fetchWithDeadline(ctx, req, w.opts.ConfigTimeout)
	if err == nil {
		if resp.Status == http.StatusOK {
			resp = w.refreshStatic(ctx, req, resp)
		}
		return &Result{Response: resp, Route: RouteConfigNetwork}, nil
	}

	fields := logrus.Fields{"action": "config_fetch", "url": req.URL.String()}
	w.logger.WithFields(fields).WithError(err).Warn("config file network fetch failed, using cache")

	if cached, ok := w.matchStatic(ctx, req.URL.String()); ok {
		return &Result{Response: cached, Route: RouteConfigCache, CacheHit: true}, nil
	}
	return &Result{
		Response: fetch.Synthetic(http.StatusServiceUnavailable, "Service Unavailable"),
		Route:    RouteConfigUnavailable,
	}, nil
}

// fetchWithDeadline 只对等待响应头的阶段设置超时；超时后取消请求并丢弃其结果。
func (w *Worker) fetchWithDeadline(ctx context.Context, req *fetch.Request, timeout time.Duration) (*fetch.Response, error) {
	netCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(timeout, cancel)

	resp, err := w.fetcher.Fetch(netCtx, req)
	if !timer.Stop() {
		resp.Close()
		cancel()
		return nil, fmt.Errorf("network timeout after %s: %w", timeout, context.DeadlineExceeded)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	var err error
	if c.ReadCloser != nil {
		err = c.ReadCloser.Close()
	}
	c.cancel()
	return err
}

// refreshStatic 把网络正文原样交给调用方，同时经 pipe 在后台写回静态缓存。
// 正文读完且不超过 maxConfigFileBytes 才提交；调用方提前关闭或超限时放弃写入，保留旧条目。
func (w *Worker) refreshStatic(ctx context.Context, req *fetch.Request, resp *fetch.Response) *fetch.Response {
	key := req.URL.String()
	if resp.Body == nil || resp.ContentLength > maxConfigFileBytes {
		return resp
	}

	pr, pw := io.Pipe()
	stored := &fetch.Response{
		Status:        resp.Status,
		Header:        resp.Header.Clone(),
		Body:          pr,
		ContentLength: -1,
		Type:          resp.Type,
		URL:           key,
	}
	resp.Body = &teeBody{src: resp.Body, sink: pw, limit: maxConfigFileBytes, expect: resp.ContentLength}

	w.WaitUntil(ctx, "config_refresh", func(ctx context.Context) error {
		// 调用方迟迟不读时，pipe 读取不会感知 ctx，这里显式中断。
		stop := context.AfterFunc(ctx, func() { pr.CloseWithError(ctx.Err()) })
		defer stop()

		static, err := w.storage.Open(ctx, w.opts.StaticCache)
		if err != nil {
			pr.CloseWithError(err)
			return fmt.Errorf("open static cache: %w", err)
		}
		if _, err := cache.PutResponse(ctx, static, key, stored); err != nil {
			return fmt.Errorf("refresh %s: %w", key, err)
		}
		return nil
	})
	return resp
}

// errBodyIncomplete 表示调用方在读完正文前关闭了响应。
var errBodyIncomplete = errors.New("response body closed before EOF")

// teeBody 在调用方读取时把同样的字节写入 sink，超过 limit 后停止复制并让 sink 失败。
// expect>=0 时读满 expect 字节即提交，调用方按 Content-Length 读取时不一定会读到 EOF。
type teeBody struct {
	src    io.ReadCloser
	sink   *io.PipeWriter
	limit  int64
	expect int64
	n      int64
	done   bool
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && !t.done {
		t.n += int64(n)
		if t.n > t.limit {
			t.abort(fmt.Errorf("response exceeds %d bytes", t.limit))
		} else if _, werr := t.sink.Write(p[:n]); werr != nil {
			t.done = true
		} else if t.expect >= 0 && t.n == t.expect {
			t.done = true
			t.sink.Close()
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			if !t.done {
				t.done = true
				t.sink.Close()
			}
		} else {
			t.abort(err)
		}
	}
	return n, err
}

func (t *teeBody) Close() error {
	t.abort(errBodyIncomplete)
	return t.src.Close()
}

func (t *teeBody) abort(err error) {
	if t.done {
		return
	}
	t.done = true
	t.sink.CloseWithError(err)
}

func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	return buf.Bytes(), nil
}

// handleVideo 命中时切片返回；未命中时立即返回网络响应，并在后台整段回源写入视频缓存。
func (w *Worker) handleVideo(ctx context.Context, req *fetch.Request) (*Result, error) {
	rawURL := req.URL.String()
	rangeHeader := req.Header.Get("Range")

	if hit, ok := w.lookupVideo(ctx, rawURL); ok {
		w.logger.WithFields(logging.CacheFields("video_hit", w.opts.VideoCache, hit.Entry.Key)).
			Debug("serving video from cache")
		return &Result{Response: Slice(hit, rangeHeader), Route: RouteVideoHit, CacheHit: true}, nil
	}

	resp, err := w.fetchVideo(ctx, req)
	if err == nil && !resp.OK() && !resp.IsOpaque() {
		status := resp.Status
		resp.Close()
		err = fmt.Errorf("network response not ok: %d", status)
	}
	if err != nil {
		w.logger.WithFields(logrus.Fields{"action": "video_fetch", "url": rawURL}).
			WithError(err).Warn("video request failed")

		if cached, ok := w.lookupVideo(ctx, rawURL); ok {
			return &Result{Response: Slice(cached, rangeHeader), Route: RouteVideoFallback, CacheHit: true}, nil
		}
		return w.passthrough(ctx, req, RouteVideoNetwork)
	}

	w.scheduleVideoFill(ctx, req)
	return &Result{Response: resp, Route: RouteVideoMiss}, nil
}

func (w *Worker) lookupVideo(ctx context.Context, rawURL string) (*cache.ReadResult, bool) {
	hit, err := w.videos.Lookup(ctx, rawURL)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithFields(logging.CacheFields("video_lookup", w.opts.VideoCache, rawURL)).
				WithError(err).Warn("video cache lookup failed")
		}
		return nil, false
	}
	return hit, true
}

// fetchVideo 先按原请求回源；遇到 CORS 拒绝时以 no-cors 重试一次，重试失败返回原始错误。
func (w *Worker) fetchVideo(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	resp, err := w.fetcher.Fetch(ctx, req)
	if err == nil || !errors.Is(err, fetch.ErrCORS) {
		return resp, err
	}

	retry := noCORSRequest(req)
	opaque, retryErr := w.fetcher.Fetch(ctx, retry)
	if retryErr != nil {
		w.logger.WithFields(logrus.Fields{"action": "video_fetch", "url": req.URL.String()}).
			WithError(retryErr).Debug("no-cors retry failed")
		return nil, err
	}
	return opaque, nil
}

// noCORSRequest 只保留 URL 与页面信息，不携带原请求头与凭证。
func noCORSRequest(req *fetch.Request) *fetch.Request {
	retry := req.Clone()
	retry.Header = http.Header{}
	retry.Mode = fetch.ModeNoCORS
	return retry
}

// scheduleVideoFill 在后台不带 Range 重新抓取完整视频，写入规范化 key。失败只记录日志，不重试。
func (w *Worker) scheduleVideoFill(ctx context.Context, req *fetch.Request) {
	full := req.Clone()
	full.Header.Del("Range")
	full.Header.Del("If-Range")
	key := cache.NormalizeKey(req.URL.String())

	w.WaitUntil(ctx, "video_cache_fill", func(ctx context.Context) error {
		resp, err := w.fetchVideo(ctx, full)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", key, err)
		}
		entry, err := w.videos.Store(ctx, key, resp)
		if err != nil {
			return fmt.Errorf("store %s: %w", key, err)
		}
		w.logger.WithFields(logging.CacheFields("video_cached", w.opts.VideoCache, key)).
			WithField("size", entry.SizeBytes).
			WithField("type", entry.Type).
			Info("video cached")
		return nil
	})
}

// handleStatic 缓存优先；导航请求在网络完全失败时退回离线页面。
func (w *Worker) handleStatic(ctx context.Context, req *fetch.Request) (*Result, error) {
	if cached, ok := w.matchStatic(ctx, req.URL.String()); ok {
		return &Result{Response: cached, Route: RouteStaticHit, CacheHit: true}, nil
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err == nil {
		return &Result{Response: resp, Route: RouteStaticMiss}, nil
	}

	w.logger.WithFields(logrus.Fields{"action": "static_fetch", "url": req.URL.String()}).
		WithError(err).Warn("static fetch failed")

	if req.IsNavigation() {
		for _, page := range w.opts.OfflinePages {
			if cached, ok := w.matchStatic(ctx, w.opts.SelfOrigin+page); ok {
				return &Result{Response: cached, Route: RouteOffline, CacheHit: true}, nil
			}
		}
	}
	return &Result{
		Response: fetch.Synthetic(http.StatusGatewayTimeout, "Gateway Timeout"),
		Route:    RouteNetworkError,
	}, nil
}

func (w *Worker) matchStatic(ctx context.Context, key string) (*fetch.Response, bool) {
	static, err := w.storage.Open(ctx, w.opts.StaticCache)
	if err != nil {
		w.logger.WithFields(logging.CacheFields("static_lookup", w.opts.StaticCache, key)).
			WithError(err).Warn("open static cache failed")
		return nil, false
	}
	hit, err := static.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithFields(logging.CacheFields("static_lookup", w.opts.StaticCache, key)).
				WithError(err).Warn("static cache lookup failed")
		}
		return nil, false
	}
	return cache.ToResponse(hit), true
}
