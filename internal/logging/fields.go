package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/拦截路径/命中状态字段，供代理请求日志复用。
func RequestFields(origin, host, role, route string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"origin":    origin,
		"host":      host,
		"role":      role,
		"route":     route,
		"cache_hit": cacheHit,
	}
}

// CacheFields 描述一次缓存代操作涉及的代名称与 key。
func CacheFields(action, generation, key string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
		"key":        key,
	}
}
