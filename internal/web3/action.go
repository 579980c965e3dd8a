package web3

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ActionKind enumerates the named chain actions agents can request.
type ActionKind string

const (
	ActionAnchor       ActionKind = "anchor"
	ActionSoukAdd      ActionKind = "souk:add"
	ActionSoukPurchase ActionKind = "souk:purchase"
	ActionSoukCount    ActionKind = "souk:count"
	ActionBalance      ActionKind = "eth_getBalance"
	ActionNonce        ActionKind = "eth_getTransactionCount"
)

// Action is the parsed form of an action string.
type Action struct {
	Kind     ActionKind
	Digest   string
	ID       string
	Price    *big.Int
	Quantity *big.Int
	Payment  *big.Int
}

// ParseAction validates and decomposes an action string.
func ParseAction(raw string) (Action, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Action{}, errors.New("链上操作不能为空")
	}

	switch {
	case raw == string(ActionSoukCount):
		return Action{Kind: ActionSoukCount}, nil
	case raw == string(ActionBalance):
		return Action{Kind: ActionBalance}, nil
	case raw == string(ActionNonce):
		return Action{Kind: ActionNonce}, nil
	case strings.HasPrefix(raw, "anchor:"):
		digest := strings.TrimPrefix(raw, "anchor:")
		if digest == "" {
			return Action{}, errors.New("anchor 操作缺少摘要")
		}
		return Action{Kind: ActionAnchor, Digest: digest}, nil
	case strings.HasPrefix(raw, "souk:add:"):
		parts := strings.Split(strings.TrimPrefix(raw, "souk:add:"), ":")
		if len(parts) != 2 || parts[0] == "" {
			return Action{}, fmt.Errorf("souk:add 操作格式不正确: %s", raw)
		}
		price, ok := new(big.Int).SetString(parts[1], 10)
		if !ok || price.Sign() < 0 {
			return Action{}, fmt.Errorf("souk:add 价格不合法: %s", parts[1])
		}
		return Action{Kind: ActionSoukAdd, ID: parts[0], Price: price}, nil
	case strings.HasPrefix(raw, "souk:purchase:"):
		parts := strings.Split(strings.TrimPrefix(raw, "souk:purchase:"), ":")
		if len(parts) != 3 || parts[0] == "" {
			return Action{}, fmt.Errorf("souk:purchase 操作格式不正确: %s", raw)
		}
		quantity, ok := new(big.Int).SetString(parts[1], 10)
		if !ok || quantity.Sign() <= 0 {
			return Action{}, fmt.Errorf("souk:purchase 数量不合法: %s", parts[1])
		}
		payment, ok := new(big.Int).SetString(parts[2], 10)
		if !ok || payment.Sign() < 0 {
			return Action{}, fmt.Errorf("souk:purchase 金额不合法: %s", parts[2])
		}
		return Action{Kind: ActionSoukPurchase, ID: parts[0], Quantity: quantity, Payment: payment}, nil
	default:
		return Action{}, fmt.Errorf("暂不支持的链上操作: %s", raw)
	}
}
