package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	payload := `{
  "server": {"address": ":9000"},
  "certify": {"rulebook": "configs/rulebook.json"},
  "storage": {"market": {"driver": "mysql"}}
}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Server.Address != ":9000" {
		t.Fatalf("期望监听地址 :9000, 实际 %s", cfg.Server.Address)
	}
	if cfg.Metrics.Address != ":9091" {
		t.Fatalf("期望默认指标地址 :9091, 实际 %s", cfg.Metrics.Address)
	}
	if cfg.Storage.Market.Driver != "mysql" {
		t.Fatalf("期望市场存储驱动 mysql, 实际 %s", cfg.Storage.Market.Driver)
	}
	if cfg.Storage.Certify.Driver != "memory" {
		t.Fatalf("期望默认认证存储驱动 memory, 实际 %s", cfg.Storage.Certify.Driver)
	}
	if cfg.Task.Queue.Workers != 4 {
		t.Fatalf("期望默认工作协程数 4, 实际 %d", cfg.Task.Queue.Workers)
	}
	if cfg.Task.Allocator.Strategy != "round_robin" {
		t.Fatalf("期望默认分配策略 round_robin, 实际 %s", cfg.Task.Allocator.Strategy)
	}
	if cfg.Certify.DefaultQuorum != 2 {
		t.Fatalf("期望默认法定人数 2, 实际 %d", cfg.Certify.DefaultQuorum)
	}

	want := filepath.Join(dir, "configs", "rulebook.json")
	if cfg.Certify.Rulebook != want {
		t.Fatalf("期望规则库路径 %s, 实际 %s", want, cfg.Certify.Rulebook)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("期望默认数据目录位于配置目录下, 实际 %s", cfg.Runtime.DataDir)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("期望空路径返回错误")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("期望不存在的文件返回错误")
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("期望非法 JSON 返回错误")
	}
}
