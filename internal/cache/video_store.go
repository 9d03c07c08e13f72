package cache

import (
	"context"
	"errors"
	"net/url"

	"github.com/tvboard/tvboard-edge/internal/fetch"
)

// VideoStore 封装视频缓存代：按完整 URL 或规范化 key 查找、写入整段视频、按 key 字典序淘汰。
type VideoStore struct {
	storage    Storage
	generation string
}

// NewVideoStore 绑定 storage 中名为 generation 的缓存代。
func NewVideoStore(storage Storage, generation string) *VideoStore {
	return &VideoStore{storage: storage, generation: generation}
}

// Name 返回缓存代名称。
func (v *VideoStore) Name() string {
	return v.generation
}

func (v *VideoStore) open(ctx context.Context) (Cache, error) {
	return v.storage.Open(ctx, v.generation)
}

// Lookup 先按完整 URL 匹配，再退回到规范化 key（origin + path）。
func (v *VideoStore) Lookup(ctx context.Context, rawURL string) (*ReadResult, error) {
	c, err := v.open(ctx)
	if err != nil {
		return nil, err
	}
	result, err := c.Match(ctx, rawURL)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return result, err
	}
	normalized := NormalizeKey(rawURL)
	if normalized == rawURL {
		return nil, ErrNotFound
	}
	return c.Match(ctx, normalized)
}

// Store 以 key 写入完整响应，已存在的条目被整体替换。
func (v *VideoStore) Store(ctx context.Context, key string, resp *fetch.Response) (*Entry, error) {
	c, err := v.open(ctx)
	if err != nil {
		resp.Close()
		return nil, err
	}
	return PutResponse(ctx, c, key, resp)
}

// Keys 返回全部已缓存 key（字典序）。
func (v *VideoStore) Keys(ctx context.Context) ([]string, error) {
	exists, err := v.storage.Has(ctx, v.generation)
	if err != nil || !exists {
		return []string{}, err
	}
	c, err := v.open(ctx)
	if err != nil {
		return nil, err
	}
	return Keys(ctx, c)
}

// Entries 返回全部已缓存条目的元数据。
func (v *VideoStore) Entries(ctx context.Context) ([]Entry, error) {
	exists, err := v.storage.Has(ctx, v.generation)
	if err != nil || !exists {
		return nil, err
	}
	c, err := v.open(ctx)
	if err != nil {
		return nil, err
	}
	return c.Entries(ctx)
}

// EvictOldest 在条目数超过 max 时删除字典序最小的 key，直到剩余 max 条。
// 返回被删除的 key。这里的“最旧”沿用 key 排序而非访问时间。
func (v *VideoStore) EvictOldest(ctx context.Context, max int) ([]string, error) {
	if max < 0 {
		max = 0
	}
	keys, err := v.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) <= max {
		return nil, nil
	}
	c, err := v.open(ctx)
	if err != nil {
		return nil, err
	}
	victims := keys[:len(keys)-max]
	deleted := make([]string, 0, len(victims))
	for _, key := range victims {
		if _, err := c.Delete(ctx, key); err != nil {
			return deleted, err
		}
		deleted = append(deleted, key)
	}
	return deleted, nil
}

// Clear 删除整个视频缓存代，下一次写入会重新创建。
func (v *VideoStore) Clear(ctx context.Context) (bool, error) {
	return v.storage.Delete(ctx, v.generation)
}

// NormalizeKey 去掉 query 与 fragment，只保留 origin + path。
func NormalizeKey(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" {
		return rawURL
	}
	if parsed.Scheme == "file" {
		return "file://" + parsed.Host + parsed.EscapedPath()
	}
	return fetch.OriginOf(parsed) + parsed.EscapedPath()
}
