package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// SoukContractABI describes the marketplace contract surface: register a
// product, purchase it (the contract reverts with "incorrect payment amount"
// unless msg.value equals price times quantity), read the product counter,
// and anchor a certification digest.
const SoukContractABI = `[
  {"type":"function","name":"addProduct","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"},{"name":"price","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"purchase","stateMutability":"payable","inputs":[{"name":"id","type":"bytes32"},{"name":"quantity","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"productCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"anchor","stateMutability":"nonpayable","inputs":[{"name":"digest","type":"bytes32"}],"outputs":[]},
  {"type":"event","name":"ProductAdded","inputs":[{"name":"id","type":"bytes32","indexed":true},{"name":"price","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"ProductPurchased","inputs":[{"name":"id","type":"bytes32","indexed":true},{"name":"quantity","type":"uint256","indexed":false},{"name":"payment","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"DigestAnchored","inputs":[{"name":"digest","type":"bytes32","indexed":true}],"anonymous":false}
]`

var (
	soukABIOnce   sync.Once
	soukABIParsed abi.ABI
	soukABIErr    error
)

func soukABI() (abi.ABI, error) {
	soukABIOnce.Do(func() {
		soukABIParsed, soukABIErr = abi.JSON(strings.NewReader(SoukContractABI))
	})
	return soukABIParsed, soukABIErr
}

// productKey maps an arbitrary product identifier onto the contract's
// bytes32 key space.
func productKey(id string) common.Hash {
	return common.BytesToHash(crypto.Keccak256([]byte(id)))
}

// digestKey converts a hex sha256 digest into a bytes32 value. Non-hex
// digests are hashed onto the key space instead.
func digestKey(digest string) common.Hash {
	digest = strings.TrimPrefix(strings.TrimSpace(digest), "0x")
	if len(digest) == 64 {
		if raw := common.FromHex("0x" + digest); len(raw) == 32 {
			return common.BytesToHash(raw)
		}
	}
	return common.BytesToHash(crypto.Keccak256([]byte(digest)))
}

// AddProduct registers a product and its unit price on the souk contract.
func (c *Client) AddProduct(ctx context.Context, id string, price *big.Int) (common.Hash, error) {
	if price == nil || price.Sign() < 0 {
		return common.Hash{}, errors.New("商品价格不合法")
	}
	parsed, err := soukABI()
	if err != nil {
		return common.Hash{}, fmt.Errorf("解析 souk ABI 失败: %w", err)
	}
	data, err := parsed.Pack("addProduct", productKey(id), price)
	if err != nil {
		return common.Hash{}, fmt.Errorf("编码 addProduct 调用失败: %w", err)
	}
	return c.submitSoukTx(ctx, data, nil)
}

// Purchase buys quantity units of a product. The payment travels as the
// transaction value so the contract can verify it against the stored price.
func (c *Client) Purchase(ctx context.Context, id string, quantity, payment *big.Int) (common.Hash, error) {
	if quantity == nil || quantity.Sign() <= 0 {
		return common.Hash{}, errors.New("购买数量不合法")
	}
	if payment == nil || payment.Sign() < 0 {
		return common.Hash{}, errors.New("支付金额不合法")
	}
	parsed, err := soukABI()
	if err != nil {
		return common.Hash{}, fmt.Errorf("解析 souk ABI 失败: %w", err)
	}
	data, err := parsed.Pack("purchase", productKey(id), quantity)
	if err != nil {
		return common.Hash{}, fmt.Errorf("编码 purchase 调用失败: %w", err)
	}
	return c.submitSoukTx(ctx, data, payment)
}

// ProductCount reads the number of products registered on the contract.
func (c *Client) ProductCount(ctx context.Context) (*big.Int, error) {
	contract, err := c.soukAddress()
	if err != nil {
		return nil, err
	}
	parsed, err := soukABI()
	if err != nil {
		return nil, fmt.Errorf("解析 souk ABI 失败: %w", err)
	}
	data, err := parsed.Pack("productCount")
	if err != nil {
		return nil, fmt.Errorf("编码 productCount 调用失败: %w", err)
	}

	backend := c.contractBackend()
	if backend == nil {
		return nil, errors.New("当前客户端不支持合约调用")
	}
	output, err := backend.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 productCount 失败: %w", err)
	}
	values, err := parsed.Unpack("productCount", output)
	if err != nil {
		return nil, fmt.Errorf("解码 productCount 结果失败: %w", err)
	}
	count, err := unpackCount(values)
	if err != nil {
		return nil, err
	}
	return count, nil
}

// AnchorDigest writes a certification digest into the contract's anchor log.
func (c *Client) AnchorDigest(ctx context.Context, digest string) (common.Hash, error) {
	if strings.TrimSpace(digest) == "" {
		return common.Hash{}, errors.New("摘要不能为空")
	}
	parsed, err := soukABI()
	if err != nil {
		return common.Hash{}, fmt.Errorf("解析 souk ABI 失败: %w", err)
	}
	data, err := parsed.Pack("anchor", digestKey(digest))
	if err != nil {
		return common.Hash{}, fmt.Errorf("编码 anchor 调用失败: %w", err)
	}
	return c.submitSoukTx(ctx, data, nil)
}

func unpackCount(values []any) (*big.Int, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("productCount 返回了 %d 个值", len(values))
	}
	count, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("productCount 返回类型不正确")
	}
	return count, nil
}

func (c *Client) soukAddress() (common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.contractAddr == (common.Address{}) {
		return common.Address{}, errors.New("未配置 souk 合约地址")
	}
	return c.contractAddr, nil
}

// submitSoukTx estimates, signs and broadcasts a transaction against the
// souk contract. Reverts surface the contract's revert reason, so a wrong
// payment comes back as "incorrect payment amount".
func (c *Client) submitSoukTx(ctx context.Context, data []byte, value *big.Int) (common.Hash, error) {
	contract, err := c.soukAddress()
	if err != nil {
		return common.Hash{}, err
	}

	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	if key == nil {
		return common.Hash{}, errors.New("未配置 souk 签名私钥")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	backend := c.contractBackend()
	if backend == nil {
		return common.Hash{}, errors.New("当前客户端不支持交易发送")
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询交易计数失败: %w", err)
	}

	if value == nil {
		value = new(big.Int)
	}
	callMsg := gethcore.CallMsg{From: from, To: &contract, Value: value, Data: data}
	gasLimit, err := backend.EstimateGas(ctx, callMsg)
	if err != nil {
		// 合约 revert 在这里暴露，原样带出 revert 原因。
		return common.Hash{}, err
	}

	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取最新区块头失败: %w", err)
	}
	gasTipCap := big.NewInt(1_000_000_000)
	if tip, tipErr := backend.SuggestGasTipCap(ctx); tipErr == nil && tip != nil && tip.Sign() > 0 {
		gasTipCap = tip
	}
	gasFeeCap := new(big.Int).Set(gasTipCap)
	if head.BaseFee != nil {
		gasFeeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), gasTipCap)
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &contract,
		Value:     value,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}

	if err := backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	if sim, ok := backend.(*backends.SimulatedBackend); ok {
		sim.Commit()
	}
	return signed.Hash(), nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	if c.chainID != nil {
		id := new(big.Int).Set(c.chainID)
		c.mu.Unlock()
		return id, nil
	}
	eth := c.eth
	c.mu.Unlock()

	if eth == nil {
		return nil, errors.New("未配置链 ID")
	}
	id, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}
