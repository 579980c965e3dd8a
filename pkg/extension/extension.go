package extension

import "context"

// Extension defines the lifecycle hooks every extension must satisfy.
type Extension interface {
	// Manifest returns the static metadata for the extension.
	Manifest() Manifest
	// Configure lets the extension inspect its option block before
	// initialisation. Implementations may mutate the map to inject defaults.
	Configure(opts map[string]string) error
	// Init prepares the extension for use.
	Init(rt *Runtime) error
	// Start activates the extension and should spawn long running routines
	// if required.
	Start(rt *Runtime) error
	// Stop gracefully halts the extension and releases any resources.
	Stop(rt *Runtime) error
}

// Runtime is passed to extensions for every lifecycle stage.
type Runtime struct {
	// C is the underlying context for cancellation and deadlines.
	C context.Context
	// Options is the extension specific option block from the host config.
	Options map[string]string
	// Services exposes shared marketplace services supplied by the host.
	// See the Service* keys for what a daemon typically provides.
	Services map[string]any
}

// Well-known service keys a hosting daemon publishes to extensions.
const (
	ServiceMarket  = "market"
	ServiceCertify = "certify"
	ServiceTasks   = "tasks"
	ServiceChain   = "chain"
	ServiceBus     = "bus"
)

// Clone returns a shallow copy so extensions can safely mutate the maps.
func (r *Runtime) Clone() *Runtime {
	if r == nil {
		return nil
	}
	dup := *r
	if r.Options != nil {
		dup.Options = make(map[string]string, len(r.Options))
		for k, v := range r.Options {
			dup.Options[k] = v
		}
	}
	if r.Services != nil {
		dup.Services = make(map[string]any, len(r.Services))
		for k, v := range r.Services {
			dup.Services[k] = v
		}
	}
	return &dup
}

// Kind represents the functional category of an extension.
type Kind string

const (
	// KindFeed extensions push external data into the marketplace,
	// for example exchange rates or authority bulletins.
	KindFeed Kind = "feed"
	// KindHook extensions observe marketplace activity and react to it.
	KindHook Kind = "hook"
)

// Grant expresses an optional privilege an extension may request.
type Grant string

const (
	GrantFilesystem Grant = "filesystem"
	GrantNetwork    Grant = "network"
	// GrantChain allows the extension to submit chain actions through the
	// shared web3 client.
	GrantChain Grant = "chain"
)

// Manifest contains descriptive metadata for an extension implementation.
type Manifest struct {
	ID          string
	Name        string
	Description string
	Author      string
	Version     string
	Kind        Kind
	// Grants lists the privileges the extension needs. The host refuses to
	// register an extension whose grants were not all configured.
	Grants []Grant
}

// State represents the lifecycle position of an extension instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)
