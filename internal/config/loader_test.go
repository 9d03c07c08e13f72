package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
StoragePath = "./data"
UpstreamTimeout = "boom"

[[Origin]]
Name = "board"
Role = "self"
URL = "http://board.local"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("TVBOARD_LISTENPORT", "6001")
	t.Setenv("TVBOARD_WORKER_MAXCACHEDVIDEOS", "3")

	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 6001 {
		t.Fatalf("环境变量应覆盖 ListenPort, got %d", cfg.Global.ListenPort)
	}
	if cfg.Worker.MaxCachedVideos != 3 {
		t.Fatalf("环境变量应覆盖 Worker.MaxCachedVideos, got %d", cfg.Worker.MaxCachedVideos)
	}
}

func TestLoadReadsDotEnvBesideConfig(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[Origin]]
Name = "board"
Role = "self"
URL = "http://board.local"
`
	path := writeTempConfig(t, cfg)
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envPath, []byte("TVBOARD_WORKER_VIDEOCACHE=tvboard-videos-env\n"), 0o600); err != nil {
		t.Fatalf("写入 .env 失败: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("TVBOARD_WORKER_VIDEOCACHE") })

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Worker.VideoCache != "tvboard-videos-env" {
		t.Fatalf(".env 中的值应生效, got %s", loaded.Worker.VideoCache)
	}
}
