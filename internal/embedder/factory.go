// internal/embedder/factory.go
package embedder

import "fmt"

// Config selects and configures an embedding provider.
type Config struct {
	Provider   string // "ollama", "openai", "hashing", "none"
	URL        string
	Model      string
	APIKey     string
	Dimensions int
}

// New creates an Embedder based on config. Provider "none" returns nil,
// which disables vector search and backfill.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "ollama":
		if cfg.URL == "" {
			return nil, fmt.Errorf("ollama URL is required")
		}
		if cfg.Model == "" {
			cfg.Model = "nomic-embed-text"
		}
		return NewOllama(cfg.URL, cfg.Model, cfg.Dimensions), nil

	case "openai":
		return NewOpenAI(cfg.URL, cfg.APIKey, cfg.Model, cfg.Dimensions), nil

	case "hashing":
		return NewHashing(cfg.Dimensions), nil

	case "none", "":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}
