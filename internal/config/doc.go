// Package config provides centralized configuration management for the
// OpenSouk runtime. It loads a single JSON document describing the API
// server, storage backends, message bus, task scheduling, certification
// policy and chain access, applies defaults for omitted fields, and
// resolves relative paths against the configuration file's directory.
package config
