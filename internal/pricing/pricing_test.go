package pricing

import (
	"math"
	"testing"
)

// newTestEngine creates an engine with known values (no env vars).
func newTestEngine() *Engine {
	return &Engine{
		providers: map[string]ProviderPricing{
			"claude": {
				Default: ModelPricing{InputPer1M: 3.00, OutputPer1M: 15.00},
				Models: map[string]ModelPricing{
					"claude-opus-4-6":           {InputPer1M: 15.00, OutputPer1M: 75.00},
					"claude-haiku-4-5-20251001": {InputPer1M: 0.25, OutputPer1M: 1.25},
				},
			},
			"gpt4": {
				Default: ModelPricing{InputPer1M: 5.00, OutputPer1M: 15.00},
				Models: map[string]ModelPricing{
					"gpt-5":       {InputPer1M: 5.00, OutputPer1M: 15.00},
					"gpt-4o-mini": {InputPer1M: 0.15, OutputPer1M: 0.60},
				},
			},
			"gemini": {
				Default: ModelPricing{InputPer1M: 0.50, OutputPer1M: 1.50},
				Models: map[string]ModelPricing{
					"gemini-3-flash-preview": {InputPer1M: 0.50, OutputPer1M: 1.50},
				},
			},
			"grok": {
				Default: ModelPricing{InputPer1M: 0.20, OutputPer1M: 0.50},
				Models: map[string]ModelPricing{
					"grok-4-fast": {InputPer1M: 0.20, OutputPer1M: 0.50},
				},
			},
			"ollama": {
				Default: ModelPricing{InputPer1M: 0.0, OutputPer1M: 0.0},
			},
		},
		profitMargin: 1.50,
		powerSurcharges: map[string]float64{
			ModeFast:     1.00,
			ModeBalanced: 1.12,
			ModeMax:      1.25,
		},
		byokRoutingFeePer1M:  0.25,
		defaultPowerMode:     ModeFast,
		defaultMaxTokensHint: 2000,
	}
}

func almostEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) < tolerance
}

func TestRawCost_IsActualAPICost(t *testing.T) {
	e := newTestEngine()

	tests := []struct {
		name         string
		provider     string
		model        string
		inputTokens  int
		outputTokens int
		wantCost     float64
	}{
		{
			name:         "Claude Opus: 1000 in / 500 out",
			provider:     "claude",
			model:        "claude-opus-4-6",
			inputTokens:  1000,
			outputTokens: 500,
			// (1000/1M)*15.00 + (500/1M)*75.00 = 0.015 + 0.0375 = 0.0525
			wantCost: 0.0525,
		},
		{
			name:         "Claude Haiku: 10000 in / 5000 out",
			provider:     "claude",
			model:        "claude-haiku-4-5-20251001",
			inputTokens:  10000,
			outputTokens: 5000,
			// (10000/1M)*0.25 + (5000/1M)*1.25 = 0.0025 + 0.00625 = 0.00875
			wantCost: 0.00875,
		},
		{
			name:         "GPT-5: 2000 in / 1000 out",
			provider:     "gpt4",
			model:        "gpt-5",
			inputTokens:  2000,
			outputTokens: 1000,
			// (2000/1M)*5.00 + (1000/1M)*15.00 = 0.01 + 0.015 = 0.025
			wantCost: 0.025,
		},
		{
			name:         "Ollama is free",
			provider:     "ollama",
			model:        "llama3",
			inputTokens:  100000,
			outputTokens: 50000,
			wantCost:     0.0,
		},
		{
			name:         "OpenAI normalizes to gpt4",
			provider:     "openai",
			model:        "gpt-5",
			inputTokens:  1000,
			outputTokens: 1000,
			// Same as gpt4/gpt-5: (1000/1M)*5.00 + (1000/1M)*15.00 = 0.02
			wantCost: 0.02,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.RawCost(tt.provider, tt.model, tt.inputTokens, tt.outputTokens)
			if !almostEqual(got, tt.wantCost, 0.000001) {
				t.Errorf("RawCost() = %f, want %f", got, tt.wantCost)
			}
		})
	}
}

func TestBilledCost_FormulaIsAPICostTimesMarginTimesPowerSurcharge(t *testing.T) {
	e := newTestEngine()

	tests := []struct {
		name      string
		provider  string
		model     string
		inTok     int
		outTok    int
		powerMode string
		wantRaw   float64
		wantBill  float64
	}{
		{
			name:      "Claude Opus fast mode: raw × 1.5 × 1.0",
			provider:  "claude",
			model:     "claude-opus-4-6",
			inTok:     1000,
			outTok:    500,
			powerMode: "fast",
			wantRaw:   0.0525,
			wantBill:  0.0525 * 1.5 * 1.0, // 0.07875
		},
		{
			name:      "Claude Opus balanced mode: raw × 1.5 × 1.12",
			provider:  "claude",
			model:     "claude-opus-4-6",
			inTok:     1000,
			outTok:    500,
			powerMode: "balanced",
			wantRaw:   0.0525,
			wantBill:  0.0525 * 1.5 * 1.12, // 0.0882
		},
		{
			name:      "Claude Opus max mode: raw × 1.5 × 1.25",
			provider:  "claude",
			model:     "claude-opus-4-6",
			inTok:     1000,
			outTok:    500,
			powerMode: "max",
			wantRaw:   0.0525,
			wantBill:  0.0525 * 1.5 * 1.25, // 0.0984375
		},
		{
			name:      "GPT-4o-mini fast: cheapest combo",
			provider:  "gpt4",
			model:     "gpt-4o-mini",
			inTok:     10000,
			outTok:    5000,
			powerMode: "fast",
			// raw = (10000/1M)*0.15 + (5000/1M)*0.60 = 0.0015 + 0.003 = 0.0045
			wantRaw:  0.0045,
			wantBill: 0.0045 * 1.5, // 0.00675
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := e.RawCost(tt.provider, tt.model, tt.inTok, tt.outTok)
			if !almostEqual(raw, tt.wantRaw, 0.000001) {
				t.Errorf("RawCost = %f, want %f", raw, tt.wantRaw)
			}
			billed := e.BilledCost(tt.provider, tt.model, tt.inTok, tt.outTok, tt.powerMode, false)
			if !almostEqual(billed, tt.wantBill, 0.000001) {
				t.Errorf("BilledCost = %f, want %f (raw=%f)", billed, tt.wantBill, raw)
			}
		})
	}
}

func TestBilledCost_BYOKIsFlatRoutingFee(t *testing.T) {
	e := newTestEngine()

	// 40k in + 10k out = 50k tokens → (50000/1M) × 0.25 = 0.0125
	got := e.BilledCost("claude", "claude-opus-4-6", 40000, 10000, "max", true)
	if !almostEqual(got, 0.0125, 0.000001) {
		t.Errorf("BYOK BilledCost = %f, want 0.0125", got)
	}

	// BYOK billing ignores the model's raw price entirely.
	cheap := e.BilledCost("claude", "claude-haiku-4-5-20251001", 40000, 10000, "fast", true)
	if !almostEqual(got, cheap, 0.000001) {
		t.Errorf("BYOK fee should not depend on model: %f vs %f", got, cheap)
	}
}

func TestBilledCost_NoLossFloor(t *testing.T) {
	e := newTestEngine()
	// Sabotage the margin below break-even; billing must floor at raw cost.
	e.profitMargin = 0.4

	raw := e.RawCost("claude", "claude-opus-4-6", 10000, 10000)
	billed := e.BilledCost("claude", "claude-opus-4-6", 10000, 10000, "fast", false)
	if billed < raw {
		t.Errorf("no-loss floor violated: billed=%f < raw=%f", billed, raw)
	}
}

func TestBilledCost_NeverNegative(t *testing.T) {
	e := newTestEngine()

	providers := []string{"claude", "gpt4", "gemini", "grok", "ollama", "unknown"}
	for _, p := range providers {
		for _, byok := range []bool{true, false} {
			raw := e.RawCost(p, "", 1000, 1000)
			billed := e.BilledCost(p, "", 1000, 1000, "balanced", byok)
			if raw < 0 || billed < 0 {
				t.Errorf("provider %s byok=%v: raw=%f billed=%f, want >= 0", p, byok, raw, billed)
			}
		}
	}
}

func TestDefaultModel_TracksPowerMode(t *testing.T) {
	e := newTestEngine()

	tests := []struct {
		provider string
		mode     string
		want     string
	}{
		{"claude", "max", "claude-opus-4-6"},
		{"claude", "fast", "claude-haiku-4-5-20251001"},
		{"gpt4", "balanced", "gpt-5"},
		{"grok", "fast", "grok-4-fast"},
		{"unknown", "max", ""},
	}
	for _, tt := range tests {
		if got := e.DefaultModel(tt.provider, tt.mode); got != tt.want {
			t.Errorf("DefaultModel(%s, %s) = %q, want %q", tt.provider, tt.mode, got, tt.want)
		}
	}
}

func TestEstimateCost_UsesMaxTokensHint(t *testing.T) {
	e := newTestEngine()

	withHint := e.EstimateCost("claude", "claude-opus-4-6", 3000, 0, "fast", false)
	explicit := e.EstimateCost("claude", "claude-opus-4-6", 3000, 2000, "fast", false)
	if !almostEqual(withHint, explicit, 0.000001) {
		t.Errorf("zero maxTokens should fall back to the default hint: %f vs %f", withHint, explicit)
	}
}
