package domain

// Service describes a metered generative service and its pricing.
type Service struct {
	ID       string
	Provider string
	Model    string
	// MaxTokens bounds the completion length of one call.
	MaxTokens int
	// Prices are per thousand tokens.
	InputPricePer1K  float64
	OutputPricePer1K float64
}

// Cost prices a completed call from reported token usage.
func (s Service) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*s.InputPricePer1K + float64(outputTokens)/1000*s.OutputPricePer1K
}

// GenerationRequest is one prompt sent to a generative model.
type GenerationRequest struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// GenerationResult is the model's text and token usage.
type GenerationResult struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}
