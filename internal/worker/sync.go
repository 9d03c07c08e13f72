package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// 后台同步标签。
const (
	SyncVideoCacheCleanup = "video-cache-cleanup"
	SyncBackground        = "background-sync"
)

// clientIdleTimeout 之后仍未出现的页面会在清理时被移除。
const clientIdleTimeout = 24 * time.Hour

// ErrUnknownSyncTag 表示未注册的同步标签。
var ErrUnknownSyncTag = errors.New("unknown sync tag")

// Sync 处理一次后台同步事件。
func (w *Worker) Sync(ctx context.Context, tag string) error {
	fields := logrus.Fields{"action": "sync", "tag": tag}
	switch tag {
	case SyncVideoCacheCleanup:
		removed, err := w.CleanupVideoCache(ctx)
		if err != nil {
			return err
		}
		w.logger.WithFields(fields).WithField("removed", len(removed)).Info("video cache cleanup completed")
		return nil
	case SyncBackground:
		w.logger.WithFields(fields).Info("background sync triggered")
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownSyncTag, tag)
	}
}

// CleanupVideoCache 按 key 字典序淘汰多余视频，并清理长期未出现的页面记录。
func (w *Worker) CleanupVideoCache(ctx context.Context) ([]string, error) {
	removed, err := w.videos.EvictOldest(ctx, w.opts.MaxCachedVideos)
	for _, key := range removed {
		w.logger.WithFields(logrus.Fields{
			"action":     "evict",
			"generation": w.opts.VideoCache,
			"key":        key,
		}).Info("deleted cached video")
	}
	if err != nil {
		return removed, fmt.Errorf("evict videos: %w", err)
	}
	if pruned := w.pruneClients(clientIdleTimeout); pruned > 0 {
		w.logger.WithFields(logrus.Fields{"action": "evict", "clients": pruned}).Debug("pruned idle clients")
	}
	return removed, nil
}
