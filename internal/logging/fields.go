package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存名/方法/路径/响应来源字段，供拦截日志复用。
func RequestFields(cacheName, method, path, source string) logrus.Fields {
	return logrus.Fields{
		"cache":  cacheName,
		"method": method,
		"path":   path,
		"source": source,
	}
}

// CacheFields 提供缓存生命周期（install/activate）日志的公共字段。
func CacheFields(action, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"cache":  cacheName,
	}
}
