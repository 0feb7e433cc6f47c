package collaboration

import (
	"errors"
	"sort"

	"github.com/BaSui01/swarmflow/types"
)

// ErrNoResults is returned when a merge is attempted with nothing stored.
var ErrNoResults = errors.New("collaboration: no results to merge")

// Hierarchical merge weights.
const (
	PrimaryWeight   = 0.7
	SecondaryWeight = 0.3
)

// Config tunes the consensus loop.
type Config struct {
	// ConvergenceThreshold is the consensus score above which a round
	// settles on a result.
	ConvergenceThreshold float64 `json:"convergence_threshold"`

	// MaxIterations bounds the reweighting rounds.
	MaxIterations int `json:"max_iterations"`
}

// DefaultConfig returns the standard convergence parameters.
func DefaultConfig() Config {
	return Config{ConvergenceThreshold: 0.9, MaxIterations: 10}
}

// Tracker records how a merge progressed.
type Tracker struct {
	Iterations int       `json:"iterations"`
	Score      float64   `json:"score"`
	History    []float64 `json:"history,omitempty"`
	Converged  bool      `json:"converged"`
}

// Contribution is one participant's stored result.
type Contribution struct {
	AgentID string
	Result  *types.Result
}

// Consensus reconciles contributions by iterative confidence-weighted
// agreement. Contributions are processed in agent id order so the outcome
// does not depend on arrival order.
func Consensus(contribs []Contribution, cfg Config) (*types.Result, Tracker, error) {
	if len(contribs) == 0 {
		return nil, Tracker{}, ErrNoResults
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	cs := sortedContribs(contribs)
	if len(cs) == 1 {
		return finalize(cs[0]), Tracker{Score: 1, Converged: true}, nil
	}

	n := len(cs)
	conf := make([]float64, n)
	sim := make([][]float64, n)
	var maxConf float64
	for i := range cs {
		conf[i] = clamp01(cs[i].Result.Confidence)
		if conf[i] > maxConf {
			maxConf = conf[i]
		}
		sim[i] = make([]float64, n)
		for j := range cs {
			if i == j {
				sim[i][j] = 1
				continue
			}
			sim[i][j] = Similarity(cs[i].Result, cs[j].Result)
		}
	}

	weights := make([]float64, n)
	copy(weights, conf)
	if sum(weights) == 0 {
		for i := range weights {
			weights[i] = 1
		}
	}
	if maxConf == 0 {
		maxConf = 1
	}

	var tr Tracker
	for tr.Iterations < cfg.MaxIterations {
		tr.Iterations++
		tr.Score = pairwiseScore(weights, sim)
		tr.History = append(tr.History, tr.Score)

		if tr.Score > cfg.ConvergenceThreshold {
			tr.Converged = true
			return finalize(cs[mostSupported(weights, conf, sim)]), tr, nil
		}

		// Weights compound across rounds; results that keep disagreeing
		// with the weighted majority fade out.
		next := make([]float64, n)
		var top float64
		for i := range cs {
			next[i] = weights[i] * (conf[i] / maxConf) * weightedAgreement(i, weights, sim)
			if next[i] > top {
				top = next[i]
			}
		}
		if top == 0 {
			break
		}
		for i := range next {
			next[i] /= top
		}
		weights = next
	}

	return finalize(cs[highestConfidence(conf)]), tr, nil
}

// Hierarchical uses primary as the base result and attaches the others as
// evidence. Confidence becomes 0.7·primary + 0.3·mean(secondary).
func Hierarchical(primary Contribution, secondaries []Contribution) *types.Result {
	out := finalize(primary)
	if len(secondaries) == 0 {
		return out
	}
	var total float64
	for _, c := range sortedContribs(secondaries) {
		ev := finalize(c)
		out.Evidence = append(out.Evidence, *ev)
		total += clamp01(c.Result.Confidence)
	}
	out.Confidence = PrimaryWeight*clamp01(primary.Result.Confidence) + SecondaryWeight*total/float64(len(secondaries))
	return out
}

func pairwiseScore(w []float64, sim [][]float64) float64 {
	var num, den float64
	for i := range w {
		for j := i + 1; j < len(w); j++ {
			pw := w[i] * w[j]
			num += pw * sim[i][j]
			den += pw
		}
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func weightedAgreement(i int, w []float64, sim [][]float64) float64 {
	var num, den float64
	for j := range w {
		if j == i {
			continue
		}
		num += w[j] * sim[i][j]
		den += w[j]
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// mostSupported picks the index with the highest Σⱼ wⱼ·cⱼ·simᵢⱼ, breaking
// ties by confidence and then by position.
func mostSupported(w, conf []float64, sim [][]float64) int {
	best, bestSupport := 0, -1.0
	for i := range w {
		var support float64
		for j := range w {
			support += w[j] * conf[j] * sim[i][j]
		}
		if support > bestSupport || (support == bestSupport && conf[i] > conf[best]) {
			best, bestSupport = i, support
		}
	}
	return best
}

func highestConfidence(conf []float64) int {
	best := 0
	for i := range conf {
		if conf[i] > conf[best] {
			best = i
		}
	}
	return best
}

func sortedContribs(in []Contribution) []Contribution {
	out := append([]Contribution(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func finalize(c Contribution) *types.Result {
	r := c.Result.Clone()
	if r.AgentID == "" {
		r.AgentID = c.AgentID
	}
	return r
}

func sum(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
