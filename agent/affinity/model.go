// Package affinity scores how well an agent matches a task.
//
// The scheduler treats a Model as an external collaborator: any error it
// returns is logged and the internal capability score is used instead.
package affinity

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/BaSui01/swarmflow/types"
)

// Model returns a compatibility score in [0,1] for an agent/task pair.
type Model interface {
	ScoreAffinity(ctx context.Context, agent types.AgentState, task *types.Task) (float64, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, agent types.AgentState, task *types.Task) (float64, error)

// ScoreAffinity implements Model.
func (f ModelFunc) ScoreAffinity(ctx context.Context, agent types.AgentState, task *types.Task) (float64, error) {
	return f(ctx, agent, task)
}

// EmbeddingModel blends cosine similarity of hashed bag-of-words embeddings
// with Jaccard proximity of the capability sets.
type EmbeddingModel struct {
	dims            int
	embeddingWeight float64
}

// DefaultDimensions is the embedding width used when none is configured.
const DefaultDimensions = 256

// NewEmbeddingModel creates an EmbeddingModel with the given embedding width.
func NewEmbeddingModel(dims int) *EmbeddingModel {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &EmbeddingModel{dims: dims, embeddingWeight: 0.6}
}

// ScoreAffinity implements Model.
func (m *EmbeddingModel) ScoreAffinity(ctx context.Context, agent types.AgentState, task *types.Task) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if task == nil {
		return 0, types.NewError(types.ErrInvalidState, "affinity requested for nil task")
	}

	agentText := append([]string{agent.Type, agent.Profile}, agent.Capabilities...)
	taskText := append([]string{task.Description}, task.RequiredCapabilities...)

	cos := Cosine(m.Embed(agentText...), m.Embed(taskText...))
	jac := Jaccard(agent.Capabilities, task.RequiredCapabilities)
	score := m.embeddingWeight*cos + (1-m.embeddingWeight)*jac
	return clamp01(score), nil
}

// Embed hashes the tokens of texts into a fixed-width, L2-normalised vector.
func (m *EmbeddingModel) Embed(texts ...string) []float64 {
	vec := make([]float64, m.dims)
	h := fnv.New32a()
	for _, text := range texts {
		for _, tok := range Tokenize(text) {
			h.Reset()
			_, _ = h.Write([]byte(tok))
			vec[h.Sum32()%uint32(m.dims)]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Tokenize lower-cases text and splits it on anything that is not a letter
// or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Cosine returns the cosine similarity of two equal-width vectors, or 0 if
// either is zero.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Jaccard returns |a∩b| / |a∪b| over case-insensitive sets.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]uint8, len(a)+len(b))
	for _, s := range a {
		set[strings.ToLower(s)] |= 1
	}
	for _, s := range b {
		set[strings.ToLower(s)] |= 2
	}
	var inter int
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
