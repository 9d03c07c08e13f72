package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"
)

// Storage 管理所有缓存代（generation），语义对齐浏览器 CacheStorage。磁盘布局：
//
//	<StoragePath>/<generation>/<sha256(key)>.body   # 响应正文
//	<StoragePath>/<generation>/<sha256(key)>.json   # 状态码、头部、类型等元数据
//
// 元数据文件最后落盘，作为条目的提交标记。
type Storage interface {
	// Open 打开（必要时创建）指定名称的缓存代。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 判断缓存代是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个缓存代，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 返回现存的所有缓存代名称（字典序）。
	Names(ctx context.Context) ([]string, error)
}

// Cache 是单个缓存代内 key → 响应的映射。
type Cache interface {
	Name() string

	// Match 返回可流式读取的缓存条目，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*ReadResult, error)

	// Put 整体替换 key 对应的条目，绝不原地修改旧正文。
	Put(ctx context.Context, key string, meta Metadata, body io.Reader) (*Entry, error)

	// Delete 删除条目，返回删除前是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Entries 列出全部已提交条目，按 key 字典序排列。
	Entries(ctx context.Context) ([]Entry, error)
}

// Metadata 描述一个已存储响应，序列化为 .json 旁路文件。
type Metadata struct {
	Key       string      `json:"key"`
	URL       string      `json:"url"`
	Status    int         `json:"status"`
	Type      string      `json:"type"`
	Header    http.Header `json:"header"`
	SizeBytes int64       `json:"size_bytes"`
	StoredAt  time.Time   `json:"stored_at"`
}

// Entry 表示一次命中或写入结果，包含正文文件的绝对路径。
type Entry struct {
	Metadata
	Generation string `json:"generation"`
	FilePath   string `json:"file_path"`
}

// ReadResult 组合 Entry 与正文 Reader，便于上层按需 Seek 切片。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// Close 关闭正文 Reader，nil 安全。
func (r *ReadResult) Close() error {
	if r == nil || r.Reader == nil {
		return nil
	}
	return r.Reader.Close()
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// Keys 返回 Cache 中全部 key。
func Keys(ctx context.Context, c Cache) ([]string, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	sort.Strings(keys)
	return keys, nil
}
