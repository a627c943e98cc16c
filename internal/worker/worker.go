package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/account-book/ledger/internal/cache"
	"github.com/account-book/ledger/internal/logging"
	"github.com/account-book/ledger/internal/version"
)

// State 描述 worker 生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrInstallFailed 表示预缓存失败，当前版本不会进入可用状态。
	ErrInstallFailed = errors.New("install failed")
	// ErrNotInstalled 表示在安装成功之前尝试激活。
	ErrNotInstalled = errors.New("worker is not installed")
	// ErrActivateFailed 表示清理旧缓存失败。
	ErrActivateFailed = errors.New("activate failed")
	// ErrNotActivated 表示 worker 尚未接管请求，调用方应直接转发到上游。
	ErrNotActivated = errors.New("worker is not activated")
)

// Options 汇总 worker 依赖：当前缓存标识、预缓存列表、上游地址与共享 http.Client。
type Options struct {
	CacheName string
	Files     []string
	Origin    *url.URL
	Client    cache.Doer
	Storage   *cache.Storage
	Logger    *logrus.Logger
	WriteBack bool
}

// Worker 实现 install / activate / fetch 三个操作。
// CacheName 在构造后只读，整个进程内只有它被视为“当前”缓存。
type Worker struct {
	cacheName string
	files     []string
	origin    *url.URL
	client    cache.Doer
	storage   *cache.Storage
	logger    *logrus.Logger
	writeBack bool

	mu          sync.RWMutex
	state       State
	controlling bool
}

// New 校验依赖并构建 Worker。
func New(opts Options) (*Worker, error) {
	if opts.CacheName == "" {
		return nil, errors.New("cache name is required")
	}
	if opts.Origin == nil {
		return nil, errors.New("origin is required")
	}
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker{
		cacheName: opts.CacheName,
		files:     append([]string(nil), opts.Files...),
		origin:    opts.Origin,
		client:    opts.Client,
		storage:   opts.Storage,
		logger:    logger,
		writeBack: opts.WriteBack,
		state:     StateParsed,
	}, nil
}

// CacheName 返回当前缓存标识。
func (w *Worker) CacheName() string {
	return w.cacheName
}

// Files 返回预缓存路径的副本。
func (w *Worker) Files() []string {
	return append([]string(nil), w.files...)
}

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Controlling 表示 worker 是否已接管请求（claim 之后为 true）。
func (w *Worker) Controlling() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.controlling
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// Start 依次执行 install、skipWaiting、activate 与 claim；任一步失败时返回错误且不接管请求。
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	// skipWaiting：安装成功后不等待旧客户端关闭，直接激活。
	if err := w.Activate(ctx); err != nil {
		return err
	}
	w.claim()
	return nil
}

// Install 打开当前缓存并写入全部预缓存文件。任何一个文件失败都会使整体失败。
func (w *Worker) Install(ctx context.Context) error {
	started := time.Now()
	w.setState(StateInstalling)
	fields := logging.CacheFields("install", w.cacheName)
	fields["files"] = len(w.files)
	w.logger.WithFields(fields).Info("caching app shell")

	if err := w.install(ctx); err != nil {
		w.setState(StateRedundant)
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		w.logger.WithFields(fields).WithError(err).Error("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.setState(StateInstalled)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Info("install_complete")
	return nil
}

func (w *Worker) install(ctx context.Context) error {
	c, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return err
	}
	reqs := make([]*http.Request, 0, len(w.files))
	for _, file := range w.files {
		target, err := w.resolve(file)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", file, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return fmt.Errorf("build request for %s: %w", file, err)
		}
		req.Header.Set("User-Agent", version.UserAgent())
		reqs = append(reqs, req)
	}
	return c.AddAll(ctx, w.client, reqs)
}

// Activate 并发删除所有非当前缓存，全部完成后才视为激活成功。
func (w *Worker) Activate(ctx context.Context) error {
	switch w.State() {
	case StateInstalled, StateActivating, StateActivated:
	default:
		return ErrNotInstalled
	}

	started := time.Now()
	w.setState(StateActivating)

	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("%w: list caches: %w", ErrActivateFailed, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if name == w.cacheName {
			continue
		}
		g.Go(func() error {
			w.logger.WithFields(logging.CacheFields("cache_delete", name)).Info("deleting stale cache")
			if _, err := w.storage.Delete(gctx, name); err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.setState(StateRedundant)
		w.logger.WithFields(logging.CacheFields("activate", w.cacheName)).WithError(err).Error("activate_failed")
		return fmt.Errorf("%w: %w", ErrActivateFailed, err)
	}

	w.setState(StateActivated)
	fields := logging.CacheFields("activate", w.cacheName)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// claim 让 worker 立即接管已有连接上的后续请求。
func (w *Worker) claim() {
	w.mu.Lock()
	w.controlling = true
	w.mu.Unlock()
}

// resolve 将预缓存条目按 URL 引用解析到上游：保留查询串，已转义的路径不会被二次转义。
func (w *Worker) resolve(file string) (*url.URL, error) {
	ref, err := url.Parse(file)
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() || ref.Host != "" {
		return nil, fmt.Errorf("precache entry must be a same-origin path: %s", file)
	}
	return w.origin.ResolveReference(ref), nil
}
