package task

import (
	"slices"
	"strings"
	"time"
)

// SortOrder selects the ordering applied to listed tasks.
type SortOrder int

const (
	// SortByUpdatedDesc returns the most recently updated tasks first.
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc returns the oldest tasks first.
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions is the resolved filter set a store query runs with.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Kinds      []string
	AssignedTo string
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	Query      string
}

// applyDefaults clamps paging values and normalizes the filters in place.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	} else if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Kinds != nil {
		opts.Kinds = normalizeKinds(opts.Kinds)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.AssignedTo = strings.TrimSpace(opts.AssignedTo)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit caps the number of tasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matches.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses keeps only tasks in one of the given statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = slices.Clone(statuses)
	}
}

// WithKinds keeps only tasks of the given kinds.
func WithKinds(kinds ...string) ListOption {
	return func(opts *ListOptions) {
		opts.Kinds = slices.Clone(kinds)
	}
}

// WithAssignedTo keeps only tasks last claimed by the given agent.
func WithAssignedTo(agent string) ListOption {
	return func(opts *ListOptions) {
		opts.AssignedTo = agent
	}
}

// WithUpdatedSince keeps tasks updated at or after the given instant.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil keeps tasks updated at or before the given instant.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithResultPresence keeps tasks with (or without) recorded execution results.
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasResult = &hasResult
	}
}

// WithSortOrder changes the ordering of returned tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery fuzzy-matches across goal, kind, assigned agent and result fields.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions runs the option functions and fills in defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	seen := make(map[Status]struct{}, len(input))
	var result []Status
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, dup := seen[status]; dup {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	return result
}

func normalizeKinds(input []string) []string {
	seen := make(map[string]struct{}, len(input))
	var result []string
	for _, kind := range input {
		kind = strings.TrimSpace(kind)
		if kind == "" {
			continue
		}
		if _, dup := seen[kind]; dup {
			continue
		}
		seen[kind] = struct{}{}
		result = append(result, kind)
	}
	return result
}
