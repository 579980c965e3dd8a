package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions mirrors configs/chains.yaml: the named set of chain
// endpoints the daemon can anchor against.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition is one chain endpoint entry.
type ChainDefinition struct {
	Type         string `yaml:"type"`
	RPCURL       string `yaml:"rpc_url"`
	WSURL        string `yaml:"ws_url"`
	BatchRPCURL  string `yaml:"batch_rpc_url"`
	ChainID      int64  `yaml:"chain_id"`
	SoukContract string `yaml:"souk_contract"`
	PrivateKey   string `yaml:"private_key"`
	Description  string `yaml:"description"`
}

// LoadChainDefinitions reads chain metadata from the given YAML file.
// A blank path yields an empty but usable definition set.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	defs := ChainDefinitions{Chains: map[string]ChainDefinition{}}
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
