// Package worker 实现看板视频缓存层：请求分类、Range 切片、拦截决策、缓存代生命周期与控制消息。
// Worker 在进程内唯一，拥有静态资源与视频两个缓存代，生命周期独立于任何单个页面请求。
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/trace"

	"github.com/tvboard/tvboard-edge/internal/cache"
	"github.com/tvboard/tvboard-edge/internal/fetch"
	"github.com/tvboard/tvboard-edge/internal/telemetry"
)

// State 对应 service worker 的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// ErrInvalidState 表示当前生命周期阶段不允许该操作。
var ErrInvalidState = errors.New("invalid worker state")

// Worker 是拦截层的进程级实例。
type Worker struct {
	opts       Options
	storage    cache.Storage
	videos     *cache.VideoStore
	fetcher    fetch.Fetcher
	classifier Classifier
	logger     *logrus.Logger
	tracer     trace.Tracer

	mu            sync.Mutex
	state         State
	claimed       bool
	skipRequested bool
	activatedAt   time.Time
	clients       map[string]*clientInfo

	// lifetime 承载脱离请求生命周期的后台任务，Drain 在退出前等待它们。
	lifetime conc.WaitGroup
	pending  atomic.Int64
}

// New 构造 Worker，不触发 install；调用方需显式执行 Start 或 Install/Activate。
func New(opts Options, storage cache.Storage, fetcher fetch.Fetcher, logger *logrus.Logger) (*Worker, error) {
	if storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	return &Worker{
		opts:       opts,
		storage:    storage,
		videos:     cache.NewVideoStore(storage, opts.VideoCache),
		fetcher:    fetcher,
		classifier: NewClassifier(opts.SelfOrigin, opts.VideoExtensions),
		logger:     logger,
		tracer:     telemetry.Tracer("worker"),
		state:      StateParsed,
		clients:    make(map[string]*clientInfo),
	}, nil
}

// Options 返回规范化后的运行参数副本。
func (w *Worker) Options() Options {
	return w.opts
}

// Videos 暴露视频缓存代，供诊断与 CLI 使用。
func (w *Worker) Videos() *cache.VideoStore {
	return w.videos
}

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	if state == StateActivated {
		w.activatedAt = time.Now()
	}
	w.mu.Unlock()
	w.logger.WithFields(logrus.Fields{"action": "worker_state", "state": state}).Debug("worker state changed")
}

// WaitUntil 在后台执行 task，并把 Worker 生命周期延长到 task 结束。
// task 使用与 parent 解耦的 context（保留 value，不继承取消），并受 BackgroundTimeout 限制。
func (w *Worker) WaitUntil(parent context.Context, name string, task func(ctx context.Context) error) {
	if parent == nil {
		parent = context.Background()
	}
	// 请求上下文在响应结束后会被 Fiber 回收，后台任务只继承 trace 关联。
	detached := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(parent))
	w.pending.Add(1)
	w.lifetime.Go(func() {
		defer w.pending.Add(-1)
		ctx, cancel := context.WithTimeout(detached, w.opts.BackgroundTimeout)
		defer cancel()

		started := time.Now()
		err := task(ctx)
		fields := logrus.Fields{
			"action":   "background_task",
			"task":     name,
			"duration": time.Since(started).String(),
		}
		if err != nil {
			w.logger.WithFields(fields).WithError(err).Warn("background task failed")
			return
		}
		w.logger.WithFields(fields).Debug("background task completed")
	})
}

// Pending 返回尚未结束的后台任务数量。
func (w *Worker) Pending() int64 {
	return w.pending.Load()
}

// Drain 等待所有后台任务结束，ctx 到期时返回 ctx.Err()。
func (w *Worker) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if recovered := w.lifetime.WaitAndRecover(); recovered != nil {
			w.logger.WithFields(logrus.Fields{"action": "background_task"}).
				Errorf("background task panicked: %v", recovered.Value)
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain background tasks: %w", ctx.Err())
	}
}

// Status 是诊断接口输出的 Worker 快照。
type Status struct {
	State             State     `json:"state"`
	ActivatedAt       time.Time `json:"activatedAt"`
	SelfOrigin        string    `json:"selfOrigin"`
	StaticCache       string    `json:"staticCache"`
	VideoCache        string    `json:"videoCache"`
	Generations       []string  `json:"generations"`
	PendingTasks      int64     `json:"pendingTasks"`
	Clients           int       `json:"clients"`
	ControlledClients int       `json:"controlledClients"`
	CachedVideos      int       `json:"cachedVideos"`
	CachedBytes       int64     `json:"cachedBytes"`
}

// Status 汇总生命周期、缓存代与客户端信息。
func (w *Worker) Status(ctx context.Context) (Status, error) {
	generations, err := w.storage.Names(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list generations: %w", err)
	}
	entries, err := w.videos.Entries(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list cached videos: %w", err)
	}

	status := Status{
		SelfOrigin:   w.opts.SelfOrigin,
		StaticCache:  w.opts.StaticCache,
		VideoCache:   w.opts.VideoCache,
		Generations:  generations,
		PendingTasks: w.Pending(),
		CachedVideos: len(entries),
	}
	for _, entry := range entries {
		status.CachedBytes += entry.SizeBytes
	}

	w.mu.Lock()
	status.State = w.state
	status.ActivatedAt = w.activatedAt
	status.Clients = len(w.clients)
	for _, client := range w.clients {
		if client.controlled {
			status.ControlledClients++
		}
	}
	w.mu.Unlock()

	return status, nil
}
