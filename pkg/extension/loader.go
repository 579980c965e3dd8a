package extension

import (
	"errors"
	goplugin "plugin"
)

// Loader resolves extension binaries into Extension implementations.
type Loader interface {
	Load(path string) (Extension, error)
}

// SharedObjectLoader uses the Go plugin mechanism to load extensions built
// with -buildmode=plugin.
type SharedObjectLoader struct{}

// Load opens the shared object and searches for an `Extension` symbol.
func (SharedObjectLoader) Load(path string) (Extension, error) {
	if path == "" {
		return nil, errors.New("extension path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Extension")
	if err != nil {
		return nil, err
	}
	switch ext := symbol.(type) {
	case Extension:
		return ext, nil
	case *Extension:
		if ext == nil {
			return nil, errors.New("extension symbol is nil")
		}
		return *ext, nil
	case func() Extension:
		return ext(), nil
	default:
		return nil, errors.New("extension symbol must implement extension.Extension")
	}
}
