package certify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Rulebook 定义认证规则检索的通用接口。
type Rulebook interface {
	Match(category string, terms []string) []Rule
}

// Rule 描述认证评审时可引用的一条规则。
type Rule struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
	Verdict  string   `json:"verdict"`
}

// StaticRulebook 通过加载 JSON 文件提供静态规则检索能力。
type StaticRulebook struct {
	rules      []Rule
	maxResults int
}

// NewStaticRulebook 创建静态规则库实例。
func NewStaticRulebook(rules []Rule, maxResults int) *StaticRulebook {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticRulebook{
		rules:      rules,
		maxResults: maxResults,
	}
}

// LoadRulebook 从 JSON 文件加载规则条目。
func LoadRulebook(path string, maxResults int) (*StaticRulebook, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("规则库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析规则库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取规则库文件失败: %w", err)
	}
	defer file.Close()

	var document struct {
		Rules []Rule `json:"rules"`
	}
	if err := json.NewDecoder(file).Decode(&document); err != nil {
		return nil, fmt.Errorf("解析规则库文件失败: %w", err)
	}

	return NewStaticRulebook(document.Rules, maxResults), nil
}

// DefaultRulebook 返回内置的基础规则库，供未配置规则文件时使用。
func DefaultRulebook() *StaticRulebook {
	return NewStaticRulebook([]Rule{
		{
			ID:       "ingredient-pork",
			Title:    "Pork and pork derivatives are prohibited",
			Keywords: []string{"pork", "lard", "bacon"},
			Tags:     []string{"meat", "ingredient"},
			Verdict:  "reject",
		},
		{
			ID:       "ingredient-alcohol",
			Title:    "Alcohol above trace levels is prohibited",
			Keywords: []string{"alcohol", "wine", "liquor", "ethanol"},
			Tags:     []string{"beverage", "ingredient"},
			Verdict:  "reject",
		},
		{
			ID:       "ingredient-gelatin",
			Title:    "Gelatin requires verified bovine or fish origin",
			Keywords: []string{"gelatin", "gelatine"},
			Tags:     []string{"ingredient", "additive"},
			Verdict:  "review",
		},
		{
			ID:       "slaughter-method",
			Title:    "Meat requires certified slaughter provenance",
			Keywords: []string{"meat", "poultry", "beef", "lamb", "chicken"},
			Tags:     []string{"meat", "food"},
			Verdict:  "review",
		},
		{
			ID:       "cross-contamination",
			Title:    "Shared production lines require segregation evidence",
			Keywords: []string{"factory", "shared line", "production"},
			Tags:     []string{"food", "manufacturing"},
			Verdict:  "review",
		},
	}, 5)
}

// Match 根据商品分类与标签做简单关键词匹配。
func (b *StaticRulebook) Match(category string, terms []string) []Rule {
	if b == nil {
		return nil
	}

	category = strings.ToLower(strings.TrimSpace(category))
	normalized := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			normalized = append(normalized, term)
		}
	}

	results := make([]Rule, 0, b.maxResults)
	for _, rule := range b.rules {
		if ruleMatches(rule, category, normalized) {
			results = append(results, rule)
			if len(results) >= b.maxResults {
				break
			}
		}
	}
	return results
}

func ruleMatches(rule Rule, category string, terms []string) bool {
	hit := func(needle string) bool {
		needle = strings.ToLower(strings.TrimSpace(needle))
		if needle == "" {
			return false
		}
		if strings.Contains(category, needle) {
			return true
		}
		for _, term := range terms {
			if strings.Contains(term, needle) || strings.Contains(needle, term) {
				return true
			}
		}
		return false
	}

	for _, keyword := range rule.Keywords {
		if hit(keyword) {
			return true
		}
	}
	for _, tag := range rule.Tags {
		if hit(tag) {
			return true
		}
	}
	return false
}

var _ Rulebook = (*StaticRulebook)(nil)
