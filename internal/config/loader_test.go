package config

import (
	"testing"
	"time"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
Upstream = "http://127.0.0.1:8080"
UpstreamTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadParsesCacheSection(t *testing.T) {
	cfg := `
LogLevel = "debug"
StoragePath = "./data"
StorageDriver = "SQLite"
Upstream = "https://book.example"
UpstreamTimeout = "15s"

[Cache]
Name = "my-account-book-cache-v2"
Files = ["/index.html", "/", "/manifest.json"]
WriteBack = true
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.StorageDriver != StorageDriverSQLite {
		t.Fatalf("StorageDriver 应被规范化为小写，得到 %s", loaded.Global.StorageDriver)
	}
	if loaded.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %s", loaded.Global.UpstreamTimeout.DurationValue())
	}
	if loaded.Cache.Name != "my-account-book-cache-v2" {
		t.Fatalf("缓存标识解析错误: %s", loaded.Cache.Name)
	}
	if len(loaded.Cache.Files) != 3 {
		t.Fatalf("预缓存列表解析错误: %v", loaded.Cache.Files)
	}
	if !loaded.Cache.WriteBack {
		t.Fatalf("WriteBack 应被开启")
	}
}

func TestLoadAcceptsNumericTimeout(t *testing.T) {
	cfg := `
StoragePath = "./data"
Upstream = "http://127.0.0.1:8080"
UpstreamTimeout = 45
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.UpstreamTimeout.DurationValue() != 45*time.Second {
		t.Fatalf("纯数字秒值应被解析，得到 %s", loaded.Global.UpstreamTimeout.DurationValue())
	}
}
