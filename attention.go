package main

import (
	"fmt"
	"math"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// maskedScore is added to attention scores a position may not see. After
// softmax it rounds to an exact zero.
const maskedScore = -1e9

// Head is one causal self-attention head.
type Head struct {
	Key, Query, Value Linear
	Dropout           Dropout

	size int
	tril [][]bool // tril[i][j] is true when position i may attend to j
}

func newHead(s *paramSet, name string, blockSize, embedSize, headSize int, dropout float64) *Head {
	tril := make([][]bool, blockSize)
	for i := range tril {
		tril[i] = make([]bool, blockSize)
		for j := 0; j <= i; j++ {
			tril[i][j] = true
		}
	}
	return &Head{
		Key:     newLinear(s, name+".key", embedSize, headSize),
		Query:   newLinear(s, name+".query", embedSize, headSize),
		Value:   newLinear(s, name+".value", embedSize, headSize),
		Dropout: Dropout{P: dropout},
		size:    headSize,
		tril:    tril,
	}
}

// causalBias builds the additive score mask for b.batch sequences of b.steps
// positions from the precomputed lower-triangular table.
func (h *Head) causalBias(b *builder) (*tensor.Dense, error) {
	T := b.steps
	if T > len(h.tril) {
		return nil, fmt.Errorf("attention over %d steps with block size %d: %w", T, len(h.tril), ErrContextTooLong)
	}
	data := make([]float64, 0, b.batch*T*T)
	for range b.batch {
		for i := range T {
			for j := range T {
				if h.tril[i][j] {
					data = append(data, 0)
				} else {
					data = append(data, maskedScore)
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(b.batch, T, T), tensor.WithBacking(data)), nil
}

// apply maps (batch*steps) x embed to (batch*steps) x head.
func (h *Head) apply(b *builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	B, T := b.batch, b.steps
	seq := tensor.Shape{B, T, h.size}

	project := func(l Linear) (*gorgonia.Node, error) {
		n, err := l.apply(b, x)
		if err != nil {
			return nil, err
		}
		return gorgonia.Reshape(n, seq)
	}
	keys, err := project(h.Key)
	if err != nil {
		return nil, fmt.Errorf("attention keys: %w", err)
	}
	queries, err := project(h.Query)
	if err != nil {
		return nil, fmt.Errorf("attention queries: %w", err)
	}
	values, err := project(h.Value)
	if err != nil {
		return nil, fmt.Errorf("attention values: %w", err)
	}

	// B x T x T
	scores, err := gorgonia.BatchedMatMul(keys, queries, false, true)
	if err != nil {
		return nil, fmt.Errorf("attention scores: %w", err)
	}
	if scores, err = gorgonia.Mul(scores, gorgonia.NewConstant(1/math.Sqrt(float64(h.size)))); err != nil {
		return nil, fmt.Errorf("attention scale: %w", err)
	}
	bias, err := h.causalBias(b)
	if err != nil {
		return nil, err
	}
	if scores, err = gorgonia.Add(scores, b.leaf("causal", bias)); err != nil {
		return nil, fmt.Errorf("attention mask: %w", err)
	}

	flat, err := gorgonia.Reshape(scores, tensor.Shape{B * T, T})
	if err != nil {
		return nil, fmt.Errorf("attention weights: %w", err)
	}
	weights, err := gorgonia.SoftMax(flat)
	if err != nil {
		return nil, fmt.Errorf("attention softmax: %w", err)
	}
	if weights, err = h.Dropout.apply(b, weights); err != nil {
		return nil, err
	}
	if weights, err = gorgonia.Reshape(weights, tensor.Shape{B, T, T}); err != nil {
		return nil, fmt.Errorf("attention weights: %w", err)
	}

	out, err := gorgonia.BatchedMatMul(weights, values)
	if err != nil {
		return nil, fmt.Errorf("attention output: %w", err)
	}
	return gorgonia.Reshape(out, tensor.Shape{B * T, h.size})
}

// MultiHead runs independent heads over the same input, concatenates their
// outputs and projects back to the embedding size.
type MultiHead struct {
	Heads []*Head
	Proj  Linear
}

func newMultiHead(s *paramSet, name string, blockSize, embedSize, numHeads, headSize int, dropout float64) *MultiHead {
	heads := make([]*Head, numHeads)
	for i := range heads {
		heads[i] = newHead(s, fmt.Sprintf("%s.head%d", name, i), blockSize, embedSize, headSize, dropout)
	}
	return &MultiHead{
		Heads: heads,
		Proj:  newLinear(s, name+".proj", numHeads*headSize, embedSize),
	}
}

func (mh *MultiHead) apply(b *builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	outs := make(gorgonia.Nodes, len(mh.Heads))
	for i, h := range mh.Heads {
		out, err := h.apply(b, x)
		if err != nil {
			return nil, fmt.Errorf("head %d: %w", i, err)
		}
		outs[i] = out
	}

	cat := outs[0]
	if len(outs) > 1 {
		var err error
		if cat, err = gorgonia.Concat(1, outs...); err != nil {
			return nil, fmt.Errorf("concat heads: %w", err)
		}
	}
	return mh.Proj.apply(b, cat)
}
