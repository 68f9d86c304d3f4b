// Package logschema 集中定义交易事件的必填字段，CSV 与日志记录前统一校验。
package logschema

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 单个事件的约束：Required 必须出现，Positive 必须是大于 0 的数值。
// mode=DRY 的记录没有交易所回执，DryOptional 中的字段可缺失且不检查 Positive。
type Schema struct {
	Event       string
	Required    []string
	Positive    []string
	DryOptional []string
}

// ModeDry 模拟运行事件的 mode 值。
const ModeDry = "DRY"

var schemas = map[string]Schema{
	"order_placed": {
		Event:    "order_placed",
		Required: []string{"ts", "symbol", "side", "qty", "price", "order_id", "mode"},
		Positive: []string{"qty", "price"},

		DryOptional: []string{"order_id"},
	},
	"order_filled": {
		Event:    "order_filled",
		Required: []string{"ts", "symbol", "side", "qty", "price", "order_id", "mode"},
		Positive: []string{"qty", "price"},
	},
	// 下单失败时数量价格可能尚未算出，只要求错误描述
	"order_error": {
		Event:    "order_error",
		Required: []string{"ts", "symbol", "side", "mode", "extra"},
	},
}

// Known 返回所有事件名（已排序）。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Lookup 返回事件的 schema。
func Lookup(event string) (Schema, bool) {
	s, ok := schemas[event]
	return s, ok
}

// Validate 检查字段；未知事件、缺失字段、非正数值都返回错误。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return fmt.Errorf("unknown event %q", event)
	}
	dry := fields["mode"] == ModeDry
	var missing []string
	for _, key := range s.Required {
		if dry && contains(s.DryOptional, key) {
			continue
		}
		v, exists := fields[key]
		if !exists {
			missing = append(missing, key)
			continue
		}
		if str, isStr := v.(string); isStr && str == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s missing fields: %s", event, strings.Join(missing, ","))
	}
	if dry {
		return nil
	}
	for _, key := range s.Positive {
		n, ok := number(fields[key])
		if !ok || n <= 0 {
			return fmt.Errorf("%s field %s must be > 0, got %v", event, key, fields[key])
		}
	}
	return nil
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
