package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Open 根据驱动名构建 Store：fs 直接使用 basePath，sqlite 在 basePath 下创建 ledger.db。
func Open(driver, basePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "fs":
		return NewStore(basePath)
	case "sqlite":
		if basePath == "" {
			return NewSQLiteStore(MemoryDSN)
		}
		return NewSQLiteStore(filepath.Join(basePath, SQLiteFileName))
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
