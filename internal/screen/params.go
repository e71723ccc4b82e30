package screen

import (
	"encoding/json"
	"fmt"
	"strings"

	"quotehub/internal/market"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// 形态种类。
const (
	KindDecline    = "decline"
	KindShadow     = "shadow"
	KindMAPullback = "ma_pullback"
)

// ValidationError 表示查询参数没过校验，带上形态种类方便调用方定位。
type ValidationError struct {
	Kind   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("screen %s 参数无效: %s", e.Kind, e.Reason)
}

// Query 是一次扫描请求，必须经 ParseQuery 构造。
type Query struct {
	Kind string
	// AsOf 为空表示取库内最新交易日。
	AsOf string
	// Symbols 为空表示整个跟踪清单。
	Symbols []string
	// Limit 截断排名结果，0 表示不截断。
	Limit int

	pattern pattern
}

const declineSchema = `{
	"type": "object",
	"properties": {
		"lookbackDays": {"type": "integer", "minimum": 1, "maximum": 250},
		"declineThreshold": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
	},
	"additionalProperties": false
}`

const shadowSchema = `{
	"type": "object",
	"properties": {
		"lowerShadowRatio": {"type": "number", "exclusiveMinimum": 0},
		"upperShadowRatio": {"type": "number", "minimum": 0},
		"minAmplitude": {"type": "number", "minimum": 0, "maximum": 1},
		"recentDays": {"type": "integer", "minimum": 1, "maximum": 60}
	},
	"additionalProperties": false
}`

const maPullbackSchema = `{
	"type": "object",
	"properties": {
		"maDays": {"type": "integer", "minimum": 2, "maximum": 250},
		"tolerance": {"type": "number", "exclusiveMinimum": 0, "maximum": 0.2}
	},
	"additionalProperties": false
}`

var schemas = map[string]*jsonschema.Schema{
	KindDecline:    jsonschema.MustCompileString("decline.json", declineSchema),
	KindShadow:     jsonschema.MustCompileString("shadow.json", shadowSchema),
	KindMAPullback: jsonschema.MustCompileString("ma_pullback.json", maPullbackSchema),
}

// ParseQuery 校验并构造一次扫描请求：参数先过 JSON Schema，
// 再解进形态自己的参数结构，缺省值在这里补齐。
func ParseQuery(kind string, rawParams json.RawMessage, asOf string) (Query, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	schema, ok := schemas[kind]
	if !ok {
		return Query{}, &ValidationError{Kind: kind, Reason: "未知形态种类"}
	}
	if asOf != "" {
		if _, err := market.ParseTradeDate(asOf); err != nil {
			return Query{}, &ValidationError{Kind: kind, Reason: fmt.Sprintf("asOf 无效: %v", err)}
		}
	}
	if len(rawParams) == 0 {
		rawParams = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(rawParams, &doc); err != nil {
		return Query{}, &ValidationError{Kind: kind, Reason: fmt.Sprintf("参数不是合法 JSON: %v", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return Query{}, &ValidationError{Kind: kind, Reason: err.Error()}
	}
	obj, _ := doc.(map[string]any)
	p, err := buildPattern(kind, obj)
	if err != nil {
		return Query{}, &ValidationError{Kind: kind, Reason: err.Error()}
	}
	return Query{Kind: kind, AsOf: asOf, pattern: p}, nil
}

// decodeParams 把 schema 验证过的对象解进具体参数结构，
// JSON 数字统一是 float64，整数字段靠弱类型转换落位。
func decodeParams(doc map[string]any, out any) error {
	if doc == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(doc)
}
