package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"weaver/internal/errors"
)

const defaultSummaryChars = 2000

// transformAgent performs pure in-process data operations: threshold
// checks, price comparison, tabular normalization, and aggregation.
// Being side-effect free it is safely idempotent.
type transformAgent struct{}

// NewTransformAgent returns the built-in transform descriptor.
func NewTransformAgent() Descriptor {
	return Descriptor{
		Type:        "transform",
		Name:        "Data Transformer",
		Description: "Pure data analysis and aggregation over earlier task outputs",
		Idempotent:  true,
		Agent:       &transformAgent{},
		Actions: []Action{
			{
				Name:        "analyze",
				Description: "Run a named analysis mode over the given data",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"mode":      map[string]interface{}{"type": "string"},
						"data":      map[string]interface{}{"type": "object"},
						"rows":      map[string]interface{}{"type": "array"},
						"value":     map[string]interface{}{},
						"threshold": map[string]interface{}{},
					},
					"required": []interface{}{"mode"},
				},
				Returns: "mode-specific analysis object",
			},
			{
				Name:        "aggregate",
				Description: "Collapse a list or text blob into a bounded summary",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"items":    map[string]interface{}{},
						"maxItems": map[string]interface{}{"type": "integer"},
						"maxChars": map[string]interface{}{"type": "integer"},
					},
					"required": []interface{}{"items"},
				},
				Returns: "{summary, count}",
			},
		},
	}
}

func (a *transformAgent) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	switch action {
	case "analyze":
		return a.analyze(params)
	case "aggregate":
		return a.aggregate(params)
	default:
		return nil, errors.NewPermanentError(nil, fmt.Sprintf("transform: unknown action %q", action))
	}
}

func (a *transformAgent) analyze(params map[string]interface{}) (interface{}, error) {
	mode, _ := params["mode"].(string)
	switch mode {
	case "threshold":
		return analyzeThreshold(params)
	case "price-comparison":
		return analyzePrices(params)
	case "tabular":
		return analyzeTabular(params)
	default:
		return nil, errors.NewPermanentError(nil, fmt.Sprintf("transform: unknown analyze mode %q", mode))
	}
}

func analyzeThreshold(params map[string]interface{}) (interface{}, error) {
	value, err := parseNumber(params["value"])
	if err != nil {
		return nil, errors.NewPermanentError(err, "transform: threshold value is not numeric")
	}
	threshold, err := parseNumber(params["threshold"])
	if err != nil {
		return nil, errors.NewPermanentError(err, "transform: threshold bound is not numeric")
	}
	return map[string]interface{}{
		"breached":  value >= threshold,
		"value":     value,
		"threshold": threshold,
		"delta":     value - threshold,
	}, nil
}

func analyzePrices(params map[string]interface{}) (interface{}, error) {
	data, ok := params["data"].(map[string]interface{})
	if !ok || len(data) == 0 {
		return nil, errors.NewPermanentError(nil, "transform: price-comparison needs a data object")
	}

	prices := make(map[string]interface{}, len(data))
	winner := ""
	best := 0.0
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		price, err := parseNumber(data[key])
		if err != nil {
			return nil, errors.NewPermanentError(err, fmt.Sprintf("transform: price %q is not numeric", key))
		}
		prices[key] = price
		if winner == "" || price < best {
			winner = key
			best = price
		}
	}

	return map[string]interface{}{
		"winner": winner,
		"price":  best,
		"prices": prices,
	}, nil
}

func analyzeTabular(params map[string]interface{}) (interface{}, error) {
	rows, ok := params["rows"].([]interface{})
	if !ok {
		return nil, errors.NewPermanentError(nil, "transform: tabular needs a rows array")
	}

	records := make([]interface{}, 0, len(rows))
	var headers []string
	for i, row := range rows {
		switch typed := row.(type) {
		case map[string]interface{}:
			records = append(records, typed)
		case []interface{}:
			if i == 0 && headers == nil {
				headers = make([]string, len(typed))
				for j, h := range typed {
					headers[j] = stringifyCell(h)
				}
				continue
			}
			record := make(map[string]interface{}, len(typed))
			for j, cell := range typed {
				key := fmt.Sprintf("col%d", j)
				if j < len(headers) && headers[j] != "" {
					key = headers[j]
				}
				record[key] = cell
			}
			records = append(records, record)
		default:
			return nil, errors.NewPermanentError(nil, fmt.Sprintf("transform: row %d is neither object nor array", i))
		}
	}

	return map[string]interface{}{
		"records": records,
		"count":   len(records),
	}, nil
}

func (a *transformAgent) aggregate(params map[string]interface{}) (interface{}, error) {
	maxChars := defaultSummaryChars
	if n, err := parseNumber(params["maxChars"]); err == nil && n > 0 {
		maxChars = int(n)
	}
	maxItems := 0
	if n, err := parseNumber(params["maxItems"]); err == nil && n > 0 {
		maxItems = int(n)
	}

	var parts []string
	switch items := params["items"].(type) {
	case []interface{}:
		for _, item := range items {
			parts = append(parts, stringifyCell(item))
		}
	case string:
		parts = []string{items}
	case nil:
		return nil, errors.NewPermanentError(nil, "transform: aggregate needs items")
	default:
		parts = []string{stringifyCell(items)}
	}

	count := len(parts)
	if maxItems > 0 && len(parts) > maxItems {
		parts = parts[:maxItems]
	}
	summary := strings.Join(parts, "\n")
	if len(summary) > maxChars {
		summary = summary[:maxChars]
	}

	return map[string]interface{}{
		"summary": summary,
		"count":   count,
	}, nil
}

// parseNumber accepts JSON numbers in any of the shapes they reach an
// agent: decoded float64/int, json.Number, or a string with currency
// noise ("$1,299.00").
func parseNumber(v interface{}) (float64, error) {
	switch typed := v.(type) {
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case json.Number:
		return typed.Float64()
	case string:
		cleaned := strings.Map(func(r rune) rune {
			switch {
			case r >= '0' && r <= '9', r == '.', r == '-':
				return r
			default:
				return -1
			}
		}, typed)
		if cleaned == "" {
			return 0, fmt.Errorf("no numeric content in %q", typed)
		}
		return strconv.ParseFloat(cleaned, 64)
	case nil:
		return 0, fmt.Errorf("value is null")
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

func stringifyCell(v interface{}) string {
	switch typed := v.(type) {
	case string:
		return typed
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(raw)
	}
}
