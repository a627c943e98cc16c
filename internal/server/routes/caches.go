package routes

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/account-book/ledger/internal/cache"
	"github.com/account-book/ledger/internal/worker"
)

// WorkerStatus 是诊断接口读取 worker 状态所需的最小接口。
type WorkerStatus interface {
	CacheName() string
	Files() []string
	State() worker.State
	Controlling() bool
}

// RegisterCacheRoutes 暴露 /-/caches 与 /-/worker 诊断接口，供运维确认当前缓存版本与内容。
func RegisterCacheRoutes(app *fiber.App, storage *cache.Storage, status WorkerStatus) {
	if app == nil || storage == nil || status == nil {
		return
	}

	app.Get("/-/caches", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		names, err := storage.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		payload := make([]cacheSummaryPayload, 0, len(names))
		for _, name := range names {
			keys, err := storage.Store().Keys(ctx, name)
			if err != nil && !errors.Is(err, cache.ErrNotFound) {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
			}
			payload = append(payload, cacheSummaryPayload{
				Name:    name,
				Current: name == status.CacheName(),
				Entries: len(keys),
			})
		}
		return c.JSON(fiber.Map{
			"current": status.CacheName(),
			"caches":  payload,
		})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cache_name_required"})
		}
		ctx := requestContext(c)
		entries, err := encodeEntries(ctx, storage.Store(), name)
		if errors.Is(err, cache.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_read_failed"})
		}
		return c.JSON(cacheDetailPayload{
			Name:    name,
			Current: name == status.CacheName(),
			Entries: entries,
		})
	})

	app.Get("/-/worker", func(c fiber.Ctx) error {
		return c.JSON(workerPayload{
			CacheName:   status.CacheName(),
			Files:       status.Files(),
			State:       string(status.State()),
			Controlling: status.Controlling(),
		})
	})
}

type cacheSummaryPayload struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
	Entries int    `json:"entries"`
}

type cacheDetailPayload struct {
	Name    string         `json:"name"`
	Current bool           `json:"current"`
	Entries []entryPayload `json:"entries"`
}

type entryPayload struct {
	Path        string    `json:"path"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	ModTime     time.Time `json:"mod_time"`
}

type workerPayload struct {
	CacheName   string   `json:"cache_name"`
	Files       []string `json:"files"`
	State       string   `json:"state"`
	Controlling bool     `json:"controlling"`
}

// encodeEntries 按写入顺序列出分区条目的元数据，不返回正文。
func encodeEntries(ctx context.Context, store cache.Store, name string) ([]entryPayload, error) {
	locators, err := store.Keys(ctx, name)
	if err != nil {
		return nil, err
	}
	result := make([]entryPayload, 0, len(locators))
	for _, locator := range locators {
		read, err := store.Get(ctx, locator)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		read.Reader.Close()
		result = append(result, entryPayload{
			Path:        locator.Path,
			Status:      read.Entry.StatusCode,
			ContentType: read.Entry.Header.Get("Content-Type"),
			SizeBytes:   read.Entry.SizeBytes,
			ModTime:     read.Entry.ModTime,
		})
	}
	return result, nil
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
