package config

import (
	"os"
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
UpstreamTimeout = "boom"

[Site]
Origin = "https://finemagazi.example"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadParsesWorkerDurations(t *testing.T) {
	cfg := `
StoragePath = "./data"
StorageDriver = "BOLT"

[Site]
Origin = "http://127.0.0.1:8080/"

[Worker]
CacheVersion = "v7"
RuntimeMaxAge = 3600
ClientTTL = "5m"
SkipWaiting = false
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Worker.RuntimeMaxAge.DurationValue() != time.Hour {
		t.Fatalf("整数秒应解析为 1h，得到 %s", loaded.Worker.RuntimeMaxAge.DurationValue())
	}
	if loaded.Worker.ClientTTL.DurationValue() != 5*time.Minute {
		t.Fatalf("ClientTTL 应为 5m，得到 %s", loaded.Worker.ClientTTL.DurationValue())
	}
	if loaded.Worker.SkipWaiting {
		t.Fatalf("显式关闭的 SkipWaiting 不应被默认值覆盖")
	}
	if loaded.Global.StorageDriver != "bolt" {
		t.Fatalf("StorageDriver 应被标准化为小写，得到 %s", loaded.Global.StorageDriver)
	}
	if loaded.Site.Origin != "http://127.0.0.1:8080" {
		t.Fatalf("Origin 末尾斜杠应被去除，得到 %s", loaded.Site.Origin)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeTempConfig(t, `
[Site]
Origin = "https://finemagazi.example"

[Worker]
CacheVersion = "v1"
`)
	changes := make(chan *Config, 4)
	if err := Watch(path, func(cfg *Config, err error) {
		if err == nil {
			changes <- cfg
		}
	}); err != nil {
		t.Fatalf("Watch 返回错误: %v", err)
	}

	updated := `
[Site]
Origin = "https://finemagazi.example"

[Worker]
CacheVersion = "v2"
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Worker.CacheVersion == "v2" {
				return
			}
		case <-deadline:
			t.Skip("文件系统通知不可用，跳过")
		}
	}
}
