package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".json"
)

// NewStorage 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 保证读取方看到的正文与元数据来自同一次提交。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileCache struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	return &fileCache{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.generationDir(name)
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) generationDir(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errors.New("cache name required")
	}
	if trimmed != name || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid cache name: %q", name)
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *fileStorage) lockEntry(name, key string) func() {
	lockKey := name + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, key string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := c.storage.lockEntry(c.name, key)
	defer unlock()

	bodyPath, metaPath := c.paths(key)
	meta, err := readMetadata(metaPath)
	if err != nil {
		return nil, err
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	// 正文与元数据大小不一致说明条目损坏，按未命中处理。
	if info.Size() != meta.SizeBytes {
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry: Entry{
			Metadata:   meta,
			Generation: c.name,
			FilePath:   bodyPath,
		},
		Reader: f,
	}, nil
}

func (c *fileCache) Put(ctx context.Context, key string, meta Metadata, body io.Reader) (*Entry, error) {
	if key == "" {
		return nil, errors.New("cache key required")
	}

	// 正文与元数据先写入临时文件，不持有条目锁；锁只覆盖提交阶段的两次 rename。
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, err
	}

	tempBody, err := os.CreateTemp(c.dir, ".body-*")
	if err != nil {
		return nil, err
	}
	tempBodyName := tempBody.Name()

	written, err := copyWithContext(ctx, tempBody, body)
	closeErr := tempBody.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempBodyName)
		return nil, err
	}

	meta.Key = key
	if meta.URL == "" {
		meta.URL = key
	}
	meta.SizeBytes = written
	if meta.StoredAt.IsZero() {
		meta.StoredAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		os.Remove(tempBodyName)
		return nil, err
	}

	tempMeta, err := os.CreateTemp(c.dir, ".meta-*")
	if err != nil {
		os.Remove(tempBodyName)
		return nil, err
	}
	tempMetaName := tempMeta.Name()
	_, err = tempMeta.Write(encoded)
	closeErr = tempMeta.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempBodyName)
		os.Remove(tempMetaName)
		return nil, err
	}

	bodyPath, metaPath := c.paths(key)
	unlock := c.storage.lockEntry(c.name, key)
	defer unlock()
	if err := os.Rename(tempBodyName, bodyPath); err != nil {
		os.Remove(tempBodyName)
		os.Remove(tempMetaName)
		return nil, err
	}
	if err := os.Rename(tempMetaName, metaPath); err != nil {
		os.Remove(tempMetaName)
		return nil, err
	}

	return &Entry{
		Metadata:   meta,
		Generation: c.name,
		FilePath:   bodyPath,
	}, nil
}

func (c *fileCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := c.storage.lockEntry(c.name, key)
	defer unlock()

	bodyPath, metaPath := c.paths(key)
	existed := true
	if err := os.Remove(metaPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		existed = false
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (c *fileCache) Entries(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		name := item.Name()
		if item.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		metaPath := filepath.Join(c.dir, name)
		meta, err := readMetadata(metaPath)
		if err != nil {
			// 并发删除或损坏的元数据直接跳过，不影响整体枚举。
			continue
		}
		entries = append(entries, Entry{
			Metadata:   meta,
			Generation: c.name,
			FilePath:   strings.TrimSuffix(metaPath, metaSuffix) + bodySuffix,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

func (c *fileCache) paths(key string) (string, string) {
	sum := sha256.Sum256([]byte(key))
	base := filepath.Join(c.dir, hex.EncodeToString(sum[:]))
	return base + bodySuffix, base + metaSuffix
}

func readMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode cache metadata: %w", err)
	}
	return meta, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
