package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "1.0.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("ledger %s (%s)", Version, Commit)
}

// UserAgent 用于预缓存请求，便于上游在访问日志里区分安装流量。
func UserAgent() string {
	return "ledger/" + Version
}
