package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StorageDriver {
	case StorageDriverFS, StorageDriverSQLite:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 fs|sqlite")
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("Global.Upstream: %w", err)
	}

	if strings.TrimSpace(c.Cache.Name) == "" {
		return newFieldError("Cache.Name", "不能为空")
	}

	seen := make(map[string]struct{}, len(c.Cache.Files))
	for i, file := range c.Cache.Files {
		if err := validateFile(file); err != nil {
			return newFieldError(fileField(i), err.Error())
		}
		// 与 Cache.addAll 一致：重复请求视为非法。
		if _, exists := seen[file]; exists {
			return newFieldError(fileField(i), "重复")
		}
		seen[file] = struct{}{}
	}

	return nil
}

func validateFile(file string) error {
	if file == "" {
		return errors.New("不能为空")
	}
	if !strings.HasPrefix(file, "/") {
		return errors.New("必须以 / 开头")
	}
	if strings.HasPrefix(file, "//") {
		return errors.New("不允许跨源路径")
	}
	if strings.Contains(file, "#") {
		return errors.New("不允许包含片段")
	}
	// 条目按 URL 引用解析（查询串与转义序列原样保留），无法解析的写法直接拒绝。
	if _, err := url.Parse(file); err != nil {
		return fmt.Errorf("不是合法的 URL 路径: %v", err)
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("上游不支持路径前缀: %s", raw)
	}
	return nil
}

// UpstreamURL 返回解析后的上游地址（假定 Validate 已经通过）。
func (c *Config) UpstreamURL() *url.URL {
	parsed, err := url.Parse(c.Global.Upstream)
	if err != nil {
		return nil
	}
	return parsed
}
