// Package market holds the product catalog and the purchase ledger. It
// enforces the commerce invariants of the platform off-chain: unique SKUs,
// non-negative stock guarded by optimistic versioning, and exact payment on
// purchase. The on-chain mirror of these operations lives in internal/web3.
package market
