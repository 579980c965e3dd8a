package extension

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeExtension struct {
	manifest   Manifest
	configured map[string]string
	calls      []string
	failStart  bool
	services   map[string]any
}

func (f *fakeExtension) Manifest() Manifest { return f.manifest }

func (f *fakeExtension) Configure(opts map[string]string) error {
	f.configured = opts
	f.calls = append(f.calls, "configure")
	return nil
}

func (f *fakeExtension) Init(*Runtime) error {
	f.calls = append(f.calls, "init")
	return nil
}

func (f *fakeExtension) Start(rt *Runtime) error {
	f.calls = append(f.calls, "start")
	f.services = rt.Services
	if f.failStart {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeExtension) Stop(*Runtime) error {
	f.calls = append(f.calls, "stop")
	return nil
}

func TestHostLifecycle(t *testing.T) {
	host, err := NewHost(HostConfig{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	ext := &fakeExtension{manifest: Manifest{ID: "rates", Kind: KindFeed}}
	cfg := Config{Name: "rates", Options: map[string]string{"currency": "MYR"}}
	if err := host.Register(cfg, ext); err != nil {
		t.Fatalf("register: %v", err)
	}
	if ext.configured["currency"] != "MYR" {
		t.Fatalf("options not passed to Configure: %v", ext.configured)
	}

	ctx := context.Background()
	if err := host.StartAll(ctx); err != nil {
		t.Fatalf("start all: %v", err)
	}
	state, err := host.State("rates")
	if err != nil || state != StateStarted {
		t.Fatalf("unexpected state %s (%v)", state, err)
	}
	// Starting again must be a no-op, not a second Init.
	if err := host.Start(ctx, "rates"); err != nil {
		t.Fatalf("restart: %v", err)
	}

	if err := host.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	state, _ = host.State("rates")
	if state != StateStopped {
		t.Fatalf("expected stopped, got %s", state)
	}

	want := []string{"configure", "init", "start", "stop"}
	if len(ext.calls) != len(want) {
		t.Fatalf("unexpected call sequence: %v", ext.calls)
	}
	for i, call := range want {
		if ext.calls[i] != call {
			t.Fatalf("call %d = %s, want %s (%v)", i, ext.calls[i], call, ext.calls)
		}
	}
}

func TestHostPublishesServices(t *testing.T) {
	marker := struct{ name string }{"market-service"}
	host, err := NewHost(HostConfig{}, WithServices(map[string]any{ServiceMarket: marker}))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	ext := &fakeExtension{manifest: Manifest{ID: "watcher", Kind: KindHook}}
	if err := host.Register(Config{Name: "watcher"}, ext); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := host.Start(context.Background(), "watcher"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got, ok := ext.services[ServiceMarket].(struct{ name string }); !ok || got.name != "market-service" {
		t.Fatalf("service not published: %v", ext.services)
	}
}

func TestHostEnforcesGrants(t *testing.T) {
	host, err := NewHost(HostConfig{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	ext := &fakeExtension{manifest: Manifest{ID: "feed", Grants: []Grant{GrantNetwork}}}

	if err := host.Register(Config{Name: "feed"}, ext); err == nil {
		t.Fatal("expected missing grant to be rejected")
	}
	if err := host.Register(Config{Name: "feed", Grants: []string{"network"}}, ext); err != nil {
		t.Fatalf("register with grant: %v", err)
	}

	defaulted, err := NewHost(HostConfig{DefaultGrants: []string{"network"}})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	other := &fakeExtension{manifest: Manifest{ID: "feed2", Grants: []Grant{GrantNetwork}}}
	if err := defaulted.Register(Config{Name: "feed2"}, other); err != nil {
		t.Fatalf("default grants should cover the manifest: %v", err)
	}
}

func TestHostRejectsIDMismatch(t *testing.T) {
	host, err := NewHost(HostConfig{})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	ext := &fakeExtension{manifest: Manifest{ID: "real-name"}}
	if err := host.Register(Config{Name: "other-name"}, ext); err == nil {
		t.Fatal("expected id mismatch to be rejected")
	}
}

type fakeLoader struct {
	loaded map[string]Extension
}

func (l *fakeLoader) Load(path string) (Extension, error) {
	ext, ok := l.loaded[path]
	if !ok {
		return nil, errors.New("unknown path")
	}
	return ext, nil
}

func TestNewHostLoadsEnabledExtensions(t *testing.T) {
	loader := &fakeLoader{loaded: map[string]Extension{
		filepath.Join("ext", "rates.so"): &fakeExtension{manifest: Manifest{ID: "rates"}},
	}}
	cfg := HostConfig{
		ExtensionDir: "ext",
		Extensions: []Config{
			{Name: "rates", Path: "rates.so", Enabled: true},
			{Name: "disabled", Path: "missing.so", Enabled: false},
		},
	}
	host, err := NewHost(cfg, WithLoader(loader))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	manifests := host.Manifests()
	if len(manifests) != 1 || manifests[0].ID != "rates" {
		t.Fatalf("unexpected manifests: %+v", manifests)
	}
}

func TestLoadHostConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extensions.yaml")
	content := []byte(`extension_dir: /opt/souk/extensions
default_grants: [network]
extensions:
  - name: rates
    path: rates.so
    enabled: true
    options:
      currency: MYR
  - name: audit
    path: audit.so
    enabled: false
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadHostConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ExtensionDir != "/opt/souk/extensions" || len(cfg.Extensions) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Extensions[0].Options["currency"] != "MYR" {
		t.Fatalf("options not parsed: %+v", cfg.Extensions[0])
	}

	dup := HostConfig{Extensions: []Config{{Name: "x"}, {Name: "x"}}}
	if err := dup.Validate(); err == nil {
		t.Fatal("expected duplicate names to be rejected")
	}
}
