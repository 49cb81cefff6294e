package main

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Softmax converts logits to a probability distribution.
func Softmax(logits []float64) []float64 {
	probs := append([]float64(nil), logits...)
	floats.AddConst(-floats.Max(probs), probs)
	for i, v := range probs {
		probs[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}

// WeightedChoice draws an index with probability probs[i].
func WeightedChoice(rng *rand.Rand, probs []float64) int {
	dist := distuv.NewCategorical(probs, rng)
	return int(dist.Rand())
}

// Generator streams the seed followed by sampled tokens. It is single use:
//
//	gen := m.NewGenerator(rng, seed, 100)
//	for gen.Next() {
//		id := gen.Token()
//	}
//	if err := gen.Err(); err != nil { ... }
type Generator struct {
	m   *LanguageModel
	rng *rand.Rand

	seq       []int
	seed      int // seed tokens not yet yielded
	remaining int // tokens still to sample
	context   []int
	tok       int
	err       error
}

// NewGenerator prepares autoregressive sampling of count tokens after seed.
func (m *LanguageModel) NewGenerator(rng *rand.Rand, seed []int, count int) *Generator {
	return &Generator{
		m:         m,
		rng:       rng,
		seq:       append(make([]int, 0, len(seed)+count), seed...),
		seed:      len(seed),
		remaining: max(count, 0),
	}
}

// Next advances to the next token. It returns false once the stream is
// exhausted or a forward pass fails.
func (g *Generator) Next() bool {
	if g.err != nil {
		return false
	}
	if g.seed > 0 {
		idx := len(g.seq) - g.seed
		g.seed--
		g.tok = g.seq[idx]
		if g.tok < 0 || g.tok >= g.m.cfg.VocabSize {
			g.err = fmt.Errorf("seed token %d: %w", g.tok, ErrTokenRange)
			return false
		}
		return true
	}
	if g.remaining == 0 {
		return false
	}

	tok, err := g.sample()
	if err != nil {
		g.err = err
		return false
	}
	g.remaining--
	g.seq = append(g.seq, tok)
	g.tok = tok
	return true
}

// sample draws one token from the model's distribution over the next
// position given at most BlockSize tokens of context.
func (g *Generator) sample() (int, error) {
	restore := g.m.Eval()
	defer restore()

	block := g.m.cfg.BlockSize
	ctx := g.seq[max(0, len(g.seq)-block):]
	if len(ctx) == 0 {
		ctx = []int{0}
	}
	g.context = ctx

	// Causal attention means positions after len(ctx)-1 never affect it,
	// so the window is padded to the block size and one graph serves
	// every context length.
	window := make([]int, block)
	copy(window, ctx)
	logits, _, err := g.m.run(logitsOnly, 1, block, window, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("generate: %w", err)
	}
	return WeightedChoice(g.rng, Softmax(logits.At(0, len(ctx)-1))), nil
}

func (g *Generator) Token() int { return g.tok }

// Context returns the tokens the model last sampled from.
func (g *Generator) Context() []int { return g.context }

func (g *Generator) Err() error { return g.err }

// Generate collects len(seed)+count tokens: the seed followed by count
// sampled continuations.
func (m *LanguageModel) Generate(rng *rand.Rand, seed []int, count int) ([]int, error) {
	gen := m.NewGenerator(rng, seed, count)
	out := make([]int, 0, len(seed)+count)
	for gen.Next() {
		out = append(out, gen.Token())
	}
	if err := gen.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
