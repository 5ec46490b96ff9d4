package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供策略/来源/分类与命中状态字段，供拦截请求日志复用。
func RequestFields(strategy, source, class string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"strategy":  strategy,
		"source":    source,
		"class":     class,
		"cache_hit": cacheHit,
	}
}

// GenerationFields 描述一次生命周期事件涉及的缓存版本。
func GenerationFields(action, version, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"version":    version,
		"cache_name": cacheName,
	}
}
