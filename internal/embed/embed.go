package embed

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashwinpillai/kbingest/internal/config"
	"github.com/ashwinpillai/kbingest/internal/embed/mock"
	"github.com/ashwinpillai/kbingest/internal/embed/ollama"
	"github.com/ashwinpillai/kbingest/internal/embed/openai"
)

var (
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	ErrInvalidResponse     = errors.New("embedding provider returned invalid response")
)

// DimensionMismatchError means the provider produced vectors of a different
// width than the rest of the knowledge base. It cannot be fixed by retrying.
type DimensionMismatchError struct {
	Model string
	Want  int
	Got   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("model %q produced %d-dimensional vectors, expected %d", e.Model, e.Got, e.Want)
}

// IsDimensionMismatch reports whether err is a DimensionMismatchError.
func IsDimensionMismatch(err error) bool {
	var dm *DimensionMismatchError
	return errors.As(err, &dm)
}

// Embedder turns text into vectors. Implementations must return one vector
// per input, in input order.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// NewEmbedder constructs the configured embedding provider.
// Called once at worker startup.
func NewEmbedder(cfg config.EmbedConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "ollama":
		return ollama.NewProvider(cfg.Ollama), nil
	case "mock":
		return mock.NewProvider(cfg.Mock.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q: must be one of openai, ollama, mock", cfg.Provider)
	}
}

// CheckDimensions verifies every vector matches the expected width. Pass
// want <= 0 to take the width of the first vector as the expectation.
func CheckDimensions(model string, want int, vectors [][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	if want <= 0 {
		want = len(vectors[0])
	}
	for _, v := range vectors {
		if len(v) != want {
			return &DimensionMismatchError{Model: model, Want: want, Got: len(v)}
		}
	}
	return nil
}
