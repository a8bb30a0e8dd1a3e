package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"weaver/internal/errors"
)

func runTransform(t *testing.T, action string, params map[string]interface{}) map[string]interface{} {
	t.Helper()
	out, err := (&transformAgent{}).Execute(context.Background(), action, params)
	if err != nil {
		t.Fatalf("Execute(%s): %v", action, err)
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("Execute(%s) output = %#v, want map", action, out)
	}
	return m
}

func TestAnalyzeThreshold(t *testing.T) {
	tests := []struct {
		name      string
		value     interface{}
		threshold interface{}
		breached  bool
	}{
		{"above", 30, 25, true},
		{"below as string", "19.99", 25, false},
		{"currency noise", "$1,299.00", 1000, true},
		{"equal counts as breached", 25.0, 25.0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := runTransform(t, "analyze", map[string]interface{}{
				"mode":      "threshold",
				"value":     tt.value,
				"threshold": tt.threshold,
			})
			if out["breached"] != tt.breached {
				t.Errorf("breached = %v, want %v", out["breached"], tt.breached)
			}
		})
	}

	_, err := (&transformAgent{}).Execute(context.Background(), "analyze", map[string]interface{}{
		"mode": "threshold", "value": "no digits here", "threshold": 1,
	})
	if !errors.IsKind(err, errors.KindPermanentAgent) {
		t.Errorf("non-numeric value error = %v, want PermanentAgentError", err)
	}
}

func TestAnalyzePriceComparison(t *testing.T) {
	out := runTransform(t, "analyze", map[string]interface{}{
		"mode": "price-comparison",
		"data": map[string]interface{}{
			"siteA": "$24.99",
			"siteB": 19.5,
			"siteC": json.Number("22"),
		},
	})

	if out["winner"] != "siteB" {
		t.Errorf("winner = %v, want siteB", out["winner"])
	}
	if out["price"] != 19.5 {
		t.Errorf("price = %v, want 19.5", out["price"])
	}
	prices, _ := out["prices"].(map[string]interface{})
	if prices["siteA"] != 24.99 {
		t.Errorf("prices[siteA] = %v, want 24.99", prices["siteA"])
	}

	impl := &transformAgent{}
	if _, err := impl.Execute(context.Background(), "analyze", map[string]interface{}{
		"mode": "price-comparison",
	}); err == nil {
		t.Error("missing data accepted")
	}
	if _, err := impl.Execute(context.Background(), "analyze", map[string]interface{}{
		"mode": "price-comparison",
		"data": map[string]interface{}{"siteA": "sold out"},
	}); err == nil {
		t.Error("non-numeric price accepted")
	}
}

func TestAnalyzeTabular(t *testing.T) {
	out := runTransform(t, "analyze", map[string]interface{}{
		"mode": "tabular",
		"rows": []interface{}{
			[]interface{}{"name", "price"},
			[]interface{}{"widget", 9.99, "extra"},
			map[string]interface{}{"name": "gadget", "price": 19.99},
		},
	})

	if out["count"] != 2 {
		t.Fatalf("count = %v, want 2", out["count"])
	}
	records := out["records"].([]interface{})

	first := records[0].(map[string]interface{})
	if first["name"] != "widget" || first["price"] != 9.99 {
		t.Errorf("first record = %v", first)
	}
	if first["col2"] != "extra" {
		t.Errorf("overflow cell key = %v, want col2=extra", first)
	}

	second := records[1].(map[string]interface{})
	if second["name"] != "gadget" {
		t.Errorf("map row not passed through: %v", second)
	}

	impl := &transformAgent{}
	if _, err := impl.Execute(context.Background(), "analyze", map[string]interface{}{
		"mode": "tabular",
	}); err == nil {
		t.Error("missing rows accepted")
	}
	if _, err := impl.Execute(context.Background(), "analyze", map[string]interface{}{
		"mode": "tabular", "rows": []interface{}{"just a string"},
	}); err == nil {
		t.Error("scalar row accepted")
	}
}

func TestAnalyzeUnknownMode(t *testing.T) {
	_, err := (&transformAgent{}).Execute(context.Background(), "analyze", map[string]interface{}{"mode": "sentiment"})
	if !errors.IsKind(err, errors.KindPermanentAgent) {
		t.Errorf("unknown mode error = %v, want PermanentAgentError", err)
	}
	if _, err := (&transformAgent{}).Execute(context.Background(), "translate", nil); err == nil {
		t.Error("unknown action accepted")
	}
}

func TestAggregate(t *testing.T) {
	out := runTransform(t, "aggregate", map[string]interface{}{
		"items":    []interface{}{"first", "second", "third"},
		"maxItems": 2,
	})
	if out["count"] != 3 {
		t.Errorf("count = %v, want 3 (pre-truncation size)", out["count"])
	}
	if out["summary"] != "first\nsecond" {
		t.Errorf("summary = %q", out["summary"])
	}

	out = runTransform(t, "aggregate", map[string]interface{}{
		"items":    strings.Repeat("x", 50),
		"maxChars": 10,
	})
	if out["summary"] != strings.Repeat("x", 10) || out["count"] != 1 {
		t.Errorf("truncated summary = %q count = %v", out["summary"], out["count"])
	}

	out = runTransform(t, "aggregate", map[string]interface{}{
		"items": []interface{}{map[string]interface{}{"title": "hello"}, 4.5},
	})
	if out["summary"] != "{\"title\":\"hello\"}\n4.5" {
		t.Errorf("stringified summary = %q", out["summary"])
	}

	if _, err := (&transformAgent{}).Execute(context.Background(), "aggregate", map[string]interface{}{}); err == nil {
		t.Error("missing items accepted")
	}
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in      interface{}
		want    float64
		wantErr bool
	}{
		{42.5, 42.5, false},
		{7, 7, false},
		{int64(9), 9, false},
		{json.Number("3.14"), 3.14, false},
		{"$1,299.00", 1299, false},
		{"-12.5", -12.5, false},
		{"no digits", 0, true},
		{nil, 0, true},
		{[]interface{}{1}, 0, true},
	}

	for _, tt := range tests {
		got, err := parseNumber(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseNumber(%#v) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseNumber(%#v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
