package extension

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// Host keeps track of registered extensions and orchestrates their lifecycle.
type Host struct {
	mu       sync.RWMutex
	registry map[string]*instance
	order    []string
	loader   Loader
	services map[string]any
	defaults []Grant
}

type instance struct {
	mu       sync.Mutex
	ext      Extension
	manifest Manifest
	state    State
	options  map[string]string
}

// HostOption modifies the behaviour of a host instance.
type HostOption func(*Host)

// WithLoader overrides the default shared object loader.
func WithLoader(loader Loader) HostOption {
	return func(h *Host) {
		if loader != nil {
			h.loader = loader
		}
	}
}

// WithServices publishes shared services to every extension runtime.
func WithServices(services map[string]any) HostOption {
	return func(h *Host) {
		for key, svc := range services {
			h.services[key] = svc
		}
	}
}

// NewHost constructs a host and loads every enabled extension from cfg.
func NewHost(cfg HostConfig, opts ...HostOption) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Host{
		registry: make(map[string]*instance),
		loader:   SharedObjectLoader{},
		services: make(map[string]any),
	}
	for _, grant := range cfg.DefaultGrants {
		h.defaults = append(h.defaults, Grant(grant))
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, extCfg := range cfg.Extensions {
		if !extCfg.Enabled {
			continue
		}
		path := extCfg.Path
		if !filepath.IsAbs(path) && cfg.ExtensionDir != "" {
			path = filepath.Join(cfg.ExtensionDir, path)
		}
		ext, err := h.loader.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load extension %s from %s: %w", extCfg.Name, path, err)
		}
		if err := h.Register(extCfg, ext); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Register registers an extension instance directly with the host.
func (h *Host) Register(cfg Config, ext Extension) error {
	if cfg.Name == "" {
		return errors.New("extension name cannot be empty")
	}
	if ext == nil {
		return errors.New("extension implementation cannot be nil")
	}
	manifest := ext.Manifest()
	if manifest.ID != "" && manifest.ID != cfg.Name {
		return fmt.Errorf("extension id mismatch: %s != %s", manifest.ID, cfg.Name)
	}
	if manifest.ID == "" {
		manifest.ID = cfg.Name
	}
	if err := h.checkGrants(manifest, cfg.Grants); err != nil {
		return err
	}

	options := cloneOptions(cfg.Options)
	if err := ext.Configure(options); err != nil {
		return fmt.Errorf("configure extension %s: %w", cfg.Name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.registry[cfg.Name]; exists {
		return fmt.Errorf("extension %s already registered", cfg.Name)
	}
	h.registry[cfg.Name] = &instance{
		ext:      ext,
		manifest: manifest,
		state:    StateRegistered,
		options:  options,
	}
	h.order = append(h.order, cfg.Name)
	return nil
}

// checkGrants refuses manifests whose requested grants were not configured.
func (h *Host) checkGrants(manifest Manifest, granted []string) error {
	if len(manifest.Grants) == 0 {
		return nil
	}
	allowed := make(map[Grant]bool, len(granted)+len(h.defaults))
	for _, grant := range h.defaults {
		allowed[grant] = true
	}
	for _, grant := range granted {
		allowed[Grant(grant)] = true
	}
	for _, need := range manifest.Grants {
		if !allowed[need] {
			return fmt.Errorf("extension %s requires grant %q which was not configured", manifest.ID, need)
		}
	}
	return nil
}

// Start initialises and starts an extension by name.
func (h *Host) Start(ctx context.Context, name string) error {
	inst, err := h.get(name)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state == StateStarted {
		return nil
	}
	rt := &Runtime{C: ctx, Options: inst.options, Services: h.services}
	if inst.state == StateRegistered {
		if err := inst.ext.Init(rt.Clone()); err != nil {
			return fmt.Errorf("initialise extension %s: %w", name, err)
		}
		inst.state = StateInitialised
	}
	if err := inst.ext.Start(rt.Clone()); err != nil {
		return fmt.Errorf("start extension %s: %w", name, err)
	}
	inst.state = StateStarted
	return nil
}

// Stop halts an extension if it is running.
func (h *Host) Stop(ctx context.Context, name string) error {
	inst, err := h.get(name)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateStarted {
		return nil
	}
	rt := &Runtime{C: ctx, Options: inst.options, Services: h.services}
	if err := inst.ext.Stop(rt.Clone()); err != nil {
		return fmt.Errorf("stop extension %s: %w", name, err)
	}
	inst.state = StateStopped
	return nil
}

// StartAll starts every registered extension in configuration order.
func (h *Host) StartAll(ctx context.Context) error {
	for _, name := range h.names() {
		if err := h.Start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops active extensions in reverse start order.
func (h *Host) StopAll(ctx context.Context) error {
	names := h.names()
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if err := h.Stop(ctx, names[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State returns the lifecycle state of an extension.
func (h *Host) State(name string) (State, error) {
	inst, err := h.get(name)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state, nil
}

// Manifests returns the manifests of all registered extensions sorted by id.
func (h *Host) Manifests() []Manifest {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Manifest, 0, len(h.registry))
	for _, inst := range h.registry {
		out = append(out, inst.manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Host) names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.order...)
}

func (h *Host) get(name string) (*instance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.registry[name]
	if !ok {
		return nil, fmt.Errorf("extension %s not registered", name)
	}
	return inst, nil
}
