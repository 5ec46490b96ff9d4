package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听配置文件变更，每次变更都会重新 Load 并回调；修改 Worker.CacheVersion
// 即可在不重启进程的情况下发布新的缓存版本。
func Watch(path string, onChange func(*Config, error)) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback required")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}
	v.OnConfigChange(func(fsnotify.Event) {
		onChange(Load(path))
	})
	v.WatchConfig()
	return nil
}
