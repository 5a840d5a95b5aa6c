package models

import "time"

// GpuStatus is the per-GPU lock record shared through the lock store.
// A GPU is available iff Locked is false; LastActivity feeds the sweeper.
type GpuStatus struct {
	GpuID        string    `json:"gpu_id"`
	Model        string    `json:"model,omitempty"`
	Locked       bool      `json:"locked"`
	LastActivity time.Time `json:"last_activity"`
}

// OutputType classifies backends for requests that don't name a model.
type OutputType string

const (
	OutputText   OutputType = "text"
	OutputImages OutputType = "images"
	OutputSpeech OutputType = "speech"
)

// Table returns the model-registry table holding names for this category.
func (o OutputType) Table() string {
	switch o {
	case OutputImages:
		return "diffusors"
	case OutputSpeech:
		return "speech"
	default:
		return "llms"
	}
}

func ParseOutputType(s string) (OutputType, bool) {
	switch OutputType(s) {
	case OutputText, OutputImages, OutputSpeech:
		return OutputType(s), true
	}
	return "", false
}
