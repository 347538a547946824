package relay

import (
	"fmt"
	"slices"
)

// DefaultModel is the model used when the caller asks for none, or for one the relay doesn't support.
const DefaultModel = "google/gemini-3-flash-preview"

var defaultModels = []string{
	DefaultModel,
	"google/gemini-2.5-pro",
	"google/gemini-2.5-flash",
	"google/gemini-2.5-flash-lite",
	"openai/gpt-5",
	"openai/gpt-5-mini",
	"openai/gpt-5-nano",
}

// ModelCatalog is the allow-list of model identifiers, in {provider}/{model-name} form, that the relay
// forwards to the gateway.
type ModelCatalog struct {
	models       []string
	defaultModel string
}

// NewModelCatalog creates a catalog. The default model is added to the list if it's missing.
func NewModelCatalog(defaultModel string, models ...string) (ModelCatalog, error) {
	if defaultModel == "" {
		return ModelCatalog{}, fmt.Errorf("default model is required")
	}

	list := make([]string, 0, len(models)+1)
	list = append(list, defaultModel)
	for _, m := range models {
		if m == "" {
			return ModelCatalog{}, fmt.Errorf("empty model identifier")
		}
		if !slices.Contains(list, m) {
			list = append(list, m)
		}
	}

	return ModelCatalog{
		models:       list,
		defaultModel: defaultModel,
	}, nil
}

// DefaultModelCatalog returns the catalog of models supported out of the box.
func DefaultModelCatalog() ModelCatalog {
	c, _ := NewModelCatalog(DefaultModel, defaultModels...)
	return c
}

// Resolve returns the model to use for the requested one. Unknown models are never rejected: the default
// is returned with ok set to false.
func (c ModelCatalog) Resolve(model string) (string, bool) {
	if slices.Contains(c.models, model) {
		return model, true
	}
	return c.defaultModel, false
}

// Default returns the fallback model.
func (c ModelCatalog) Default() string {
	return c.defaultModel
}

// Models returns the supported models, default first.
func (c ModelCatalog) Models() []string {
	return slices.Clone(c.models)
}
