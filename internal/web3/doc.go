// Package web3 houses blockchain connectivity utilities, including signer
// abstractions, RPC clients, the souk marketplace contract binding, and
// multi-chain configuration helpers. It lets agents anchor certification
// digests and mirror catalog operations on supported networks such as
// Ethereum, BSC, and Polygon, supporting advanced operations like contract
// deployment, event subscriptions, and batched transactions.
package web3
