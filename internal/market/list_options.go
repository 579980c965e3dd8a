package market

import "strings"

// SortOrder defines how results should be ordered when listing products.
type SortOrder int

const (
	// SortByUpdatedDesc orders products by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders products by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how products are selected when querying the store.
type ListOptions struct {
	Limit     int
	Offset    int
	Category  string
	Seller    string
	Certified *bool
	Order     SortOrder
	Query     string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Category = strings.TrimSpace(opts.Category)
	opts.Seller = strings.TrimSpace(opts.Seller)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of products returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching products before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithCategory filters products by category.
func WithCategory(category string) ListOption {
	return func(opts *ListOptions) {
		opts.Category = category
	}
}

// WithSeller filters products by the owning seller agent.
func WithSeller(seller string) ListOption {
	return func(opts *ListOptions) {
		opts.Seller = seller
	}
}

// WithCertified filters products by whether they carry a certification record.
func WithCertified(certified bool) ListOption {
	return func(opts *ListOptions) {
		opts.Certified = new(bool)
		*opts.Certified = certified
	}
}

// WithSortOrder changes the returned order of products.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters products by fuzzy matching across name, sku and brand.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions applies option functions on top of defaults.
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
