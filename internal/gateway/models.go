package gateway

// Purpose identifies why a model is being called. Every call site names a
// purpose; the purpose pins the model, so callers never choose one.
type Purpose string

const (
	PurposeFixGeneration     Purpose = "fix_generation"
	PurposeCodeAnalysis      Purpose = "code_analysis"
	PurposeBugDetection      Purpose = "bug_detection"
	PurposeTestGeneration    Purpose = "test_generation"
	PurposeCodeReview        Purpose = "code_review"
	PurposeSemanticSearch    Purpose = "semantic_search"
	PurposeBehavioralTestGen Purpose = "behavioral_test_generation"
	PurposeGuardian          Purpose = "guardian"
)

// ModelConfig pins the model and sampling parameters for one purpose.
type ModelConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// modelPins is the static purpose-to-model table. Changing a pin is a config
// change reviewed like code, not a runtime decision.
var modelPins = map[Purpose]ModelConfig{
	PurposeFixGeneration:     {Model: "gpt-4o", Temperature: 0.2, MaxTokens: 4096},
	PurposeCodeAnalysis:      {Model: "gpt-4o-mini", Temperature: 0.1, MaxTokens: 2048},
	PurposeBugDetection:      {Model: "gpt-4o-mini", Temperature: 0.1, MaxTokens: 2048},
	PurposeTestGeneration:    {Model: "gpt-4o", Temperature: 0.2, MaxTokens: 4096},
	PurposeCodeReview:        {Model: "gpt-4o-mini", Temperature: 0.3, MaxTokens: 1024},
	PurposeSemanticSearch:    {Model: "gpt-4o-mini", Temperature: 0.0, MaxTokens: 512},
	PurposeBehavioralTestGen: {Model: "gpt-4o", Temperature: 0.2, MaxTokens: 4096},
	PurposeGuardian:          {Model: "gpt-4o", Temperature: 0.0, MaxTokens: 1024},
}

// callLimits caps how many calls a single task may make per purpose.
// Checked first in the budget gate order.
var callLimits = map[Purpose]int{
	PurposeFixGeneration:     3,
	PurposeCodeAnalysis:      5,
	PurposeBugDetection:      3,
	PurposeTestGeneration:    3,
	PurposeCodeReview:        3,
	PurposeSemanticSearch:    10,
	PurposeBehavioralTestGen: 3,
	PurposeGuardian:          3,
}

// PinFor returns the pinned model configuration for a purpose.
func PinFor(purpose Purpose) (ModelConfig, bool) {
	cfg, ok := modelPins[purpose]
	return cfg, ok
}

// Pricing is USD per million tokens.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

var pricing = map[string]Pricing{
	"gpt-4o":       {InputPerM: 2.50, OutputPerM: 10.00},
	"gpt-4o-mini":  {InputPerM: 0.15, OutputPerM: 0.60},
	"gpt-4.1":      {InputPerM: 2.00, OutputPerM: 8.00},
	"gpt-4.1-mini": {InputPerM: 0.40, OutputPerM: 1.60},
}

// PriceFor returns pricing for a model. Unknown models are charged at the
// most expensive known rates so accounting errs toward overcounting.
func PriceFor(model string) Pricing {
	if p, ok := pricing[model]; ok {
		return p
	}
	var max Pricing
	for _, p := range pricing {
		if p.InputPerM > max.InputPerM {
			max.InputPerM = p.InputPerM
		}
		if p.OutputPerM > max.OutputPerM {
			max.OutputPerM = p.OutputPerM
		}
	}
	return max
}

// Cost computes the USD cost of a call.
func Cost(model string, promptTokens, completionTokens int) float64 {
	p := PriceFor(model)
	return float64(promptTokens)/1e6*p.InputPerM + float64(completionTokens)/1e6*p.OutputPerM
}
