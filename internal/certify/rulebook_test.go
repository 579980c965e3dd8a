package certify

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultRulebookFlagsForbiddenIngredients(t *testing.T) {
	book := DefaultRulebook()

	matches := book.Match("food", []string{"pork", "sausage"})
	if len(matches) == 0 {
		t.Fatal("期望命中猪肉成分规则")
	}
	found := false
	for _, rule := range matches {
		if rule.ID == "ingredient-pork" {
			found = true
			if rule.Verdict != "reject" {
				t.Fatalf("猪肉成分规则应为 reject, 实际 %s", rule.Verdict)
			}
		}
	}
	if !found {
		t.Fatalf("未命中 ingredient-pork: %+v", matches)
	}

	if matches := book.Match("electronics", []string{"usb", "cable"}); len(matches) != 0 {
		t.Fatalf("无关商品不应命中规则: %+v", matches)
	}
}

func TestLoadRulebookFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rulebook.json")
	payload := `{
  "rules": [
    {"id": "seafood-ok", "title": "海产默认允许", "keywords": ["seafood", "fish"], "tags": ["food"], "verdict": "allow"},
    {"id": "shellfish-review", "title": "贝类需要复查", "keywords": ["shellfish"], "tags": ["food"], "verdict": "review"}
  ]
}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("写入规则库失败: %v", err)
	}

	book, err := LoadRulebook(path, 5)
	if err != nil {
		t.Fatalf("加载规则库失败: %v", err)
	}

	matches := book.Match("food", []string{"shellfish"})
	if len(matches) == 0 {
		t.Fatal("期望命中贝类规则")
	}
	hit := false
	for _, rule := range matches {
		if rule.ID == "shellfish-review" {
			hit = true
		}
	}
	if !hit {
		t.Fatalf("未命中 shellfish-review: %+v", matches)
	}
}

func TestLoadRulebookErrors(t *testing.T) {
	if _, err := LoadRulebook("", 3); err == nil {
		t.Fatal("期望空路径返回错误")
	}
	if _, err := LoadRulebook(filepath.Join(t.TempDir(), "absent.json"), 3); err == nil {
		t.Fatal("期望不存在的文件返回错误")
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("not json"), 0o600); err != nil {
		t.Fatalf("写入规则库失败: %v", err)
	}
	if _, err := LoadRulebook(bad, 3); err == nil {
		t.Fatal("期望非法 JSON 返回错误")
	}
}

func TestRulebookMaxResults(t *testing.T) {
	rules := []Rule{
		{ID: "r1", Keywords: []string{"halal"}},
		{ID: "r2", Keywords: []string{"halal"}},
		{ID: "r3", Keywords: []string{"halal"}},
		{ID: "r4", Keywords: []string{"halal"}},
	}
	book := NewStaticRulebook(rules, 2)
	matches := book.Match("", []string{"halal"})
	if len(matches) != 2 {
		t.Fatalf("期望结果截断为 2 条, 实际 %d", len(matches))
	}
}
