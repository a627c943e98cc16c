package cache

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
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
	partitionMarker = ".partition.json"
	bodySuffix      = ".body"
	metaSuffix      = ".json"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。磁盘布局：
//
//	<basePath>/<base64url(cache)>/.partition.json       # 分区名与创建时间
//	<basePath>/<base64url(cache)>/<sha1[:2]>/<sha1>.body # 正文
//	<basePath>/<base64url(cache)>/<sha1[:2]>/<sha1>.json # 状态码/头部/写入时间
func NewStore(basePath string) (Store, error) {
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

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		now:      time.Now,
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type partitionMeta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type entryMeta struct {
	CacheName  string              `json:"cache"`
	Path       string              `json:"path"`
	StatusCode int                 `json:"status"`
	Header     map[string][]string `json:"header"`
	ModTime    time.Time           `json:"mod_time"`
	StoredAt   time.Time           `json:"stored_at"`
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	bodyPath, metaPath, err := s.entryPaths(locator)
	if err != nil {
		return nil, err
	}

	meta, err := readEntryMeta(metaPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry:  meta.entry(info.Size()),
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	if err := s.Create(ctx, locator.CacheName); err != nil {
		return nil, err
	}

	unlock := s.lock(locatorKey(locator))
	defer unlock()

	bodyPath, metaPath, err := s.entryPaths(locator)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(bodyPath), ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	now := s.now().UTC()
	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = now
	}
	meta := entryMeta{
		CacheName:  locator.CacheName,
		Path:       locator.Path,
		StatusCode: normalizeStatus(opts.StatusCode),
		Header:     cloneHeader(opts.Header),
		ModTime:    modTime,
		StoredAt:   now,
	}
	// 先落正文再落元数据：Get 以元数据为准，半写入的条目不可见。
	if err := os.Rename(tempName, bodyPath); err != nil {
		os.Remove(tempName)
		return nil, err
	}
	if err := writeJSONAtomic(metaPath, meta); err != nil {
		os.Remove(bodyPath)
		return nil, err
	}

	entry := meta.entry(written)
	return &entry, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock := s.lock(locatorKey(locator))
	defer unlock()

	bodyPath, metaPath, err := s.entryPaths(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Create(ctx context.Context, name string) error {
	dir, err := s.partitionDir(name)
	if err != nil {
		return err
	}

	unlock := s.lock(partitionKey(name))
	defer unlock()

	marker := filepath.Join(dir, partitionMarker)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeJSONAtomic(marker, partitionMeta{Name: name, CreatedAt: s.now().UTC()})
}

func (s *fileStore) Names(ctx context.Context) ([]string, error) {
	dirs, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	partitions := make([]partitionMeta, 0, len(dirs))
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		var meta partitionMeta
		if err := readJSON(filepath.Join(s.basePath, dir.Name(), partitionMarker), &meta); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		partitions = append(partitions, meta)
	}

	sort.SliceStable(partitions, func(i, j int) bool {
		if partitions[i].CreatedAt.Equal(partitions[j].CreatedAt) {
			return partitions[i].Name < partitions[j].Name
		}
		return partitions[i].CreatedAt.Before(partitions[j].CreatedAt)
	})

	names := make([]string, len(partitions))
	for i, meta := range partitions {
		names[i] = meta.Name
	}
	return names, nil
}

func (s *fileStore) Drop(ctx context.Context, name string) (bool, error) {
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}

	unlock := s.lock(partitionKey(name))
	defer unlock()

	if _, err := os.Stat(filepath.Join(dir, partitionMarker)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先删标记，保证 Names 不会再列出一个正在被清理的分区。
	if err := os.Remove(filepath.Join(dir, partitionMarker)); err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) Keys(ctx context.Context, name string) ([]Locator, error) {
	dir, err := s.partitionDir(name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, partitionMarker)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var metas []entryMeta
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || d.Name() == partitionMarker || !strings.HasSuffix(d.Name(), metaSuffix) {
			return nil
		}
		var meta entryMeta
		if err := readJSON(p, &meta); err != nil {
			return err
		}
		metas = append(metas, meta)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].StoredAt.Equal(metas[j].StoredAt) {
			return metas[i].Path < metas[j].Path
		}
		return metas[i].StoredAt.Before(metas[j].StoredAt)
	})

	locators := make([]Locator, len(metas))
	for i, meta := range metas {
		locators[i] = Locator{CacheName: name, Path: meta.Path}
	}
	return locators, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lock(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) partitionDir(name string) (string, error) {
	if name == "" {
		return "", ErrInvalidName
	}
	return filepath.Join(s.basePath, base64.RawURLEncoding.EncodeToString([]byte(name))), nil
}

func (s *fileStore) entryPaths(locator Locator) (string, string, error) {
	dir, err := s.partitionDir(locator.CacheName)
	if err != nil {
		return "", "", err
	}
	sum := sha1.Sum([]byte(locator.Path))
	digest := hex.EncodeToString(sum[:])
	base := filepath.Join(dir, digest[:2], digest)
	return base + bodySuffix, base + metaSuffix, nil
}

func (m entryMeta) entry(size int64) Entry {
	return Entry{
		Locator:    Locator{CacheName: m.CacheName, Path: m.Path},
		StatusCode: normalizeStatus(m.StatusCode),
		Header:     cloneHeader(m.Header),
		SizeBytes:  size,
		ModTime:    m.ModTime,
	}
}

func readEntryMeta(path string) (entryMeta, error) {
	var meta entryMeta
	if err := readJSON(path, &meta); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, ErrNotFound
		}
		return meta, err
	}
	return meta, nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(filepath.Dir(path), ".meta-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
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

func locatorKey(locator Locator) string {
	return locator.CacheName + "::" + locator.Path
}

func partitionKey(name string) string {
	return name + "::"
}
