package main

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const layerNormEps = 1e-5

// builder collects the nodes of one compiled graph. Activations are kept as
// (batch*steps) x features matrices; attention reshapes to 3-D locally.
type builder struct {
	g            *gorgonia.ExprGraph
	batch, steps int

	bound      map[*Param]*gorgonia.Node
	learnables gorgonia.Nodes
	masks      []*dropoutMask
	leaves     int
}

func newBuilder(g *gorgonia.ExprGraph, batch, steps int) *builder {
	return &builder{
		g:     g,
		batch: batch,
		steps: steps,
		bound: make(map[*Param]*gorgonia.Node),
	}
}

func (b *builder) rows() int { return b.batch * b.steps }

// param binds p into the graph once and returns its node.
func (b *builder) param(p *Param) *gorgonia.Node {
	if n, ok := b.bound[p]; ok {
		return n
	}
	n := gorgonia.NewMatrix(b.g, Dtype,
		gorgonia.WithShape(p.Shape()...),
		gorgonia.WithName(p.Name),
		gorgonia.WithValue(p.Value))
	b.bound[p] = n
	b.learnables = append(b.learnables, n)
	return n
}

// leaf adds a fixed, non-learnable tensor to the graph.
func (b *builder) leaf(name string, t *tensor.Dense) *gorgonia.Node {
	b.leaves++
	return gorgonia.NewTensor(b.g, Dtype, t.Dims(),
		gorgonia.WithShape(t.Shape()...),
		gorgonia.WithName(fmt.Sprintf("%s%d", name, b.leaves)),
		gorgonia.WithValue(t))
}

func filled(n int, v float64) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = v
	}
	return data
}

// Linear is x*W + b with W [in x out] and b [1 x out].
type Linear struct {
	W, B *Param
}

func newLinear(s *paramSet, name string, in, out int) Linear {
	return Linear{
		W: s.uniform(name+".w", in, out, in),
		B: s.uniform(name+".b", 1, out, in),
	}
}

func (l Linear) apply(b *builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	xw, err := gorgonia.Mul(x, b.param(l.W))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.W.Name, err)
	}
	out, err := gorgonia.BroadcastAdd(xw, b.param(l.B), nil, []byte{0})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.B.Name, err)
	}
	return out, nil
}

// LayerNorm normalizes each row to zero mean and unit variance, then applies
// a learned gain and bias.
type LayerNorm struct {
	Gamma, Beta *Param
}

func newLayerNorm(s *paramSet, name string, dim int) LayerNorm {
	return LayerNorm{
		Gamma: s.fill(name+".gamma", 1, dim, 1),
		Beta:  s.fill(name+".beta", 1, dim, 0),
	}
}

func (ln LayerNorm) apply(b *builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	rows := x.Shape()[0]
	col := tensor.Shape{rows, 1}

	mean, err := gorgonia.Mean(x, 1)
	if err != nil {
		return nil, fmt.Errorf("layer norm mean: %w", err)
	}
	if mean, err = gorgonia.Reshape(mean, col); err != nil {
		return nil, fmt.Errorf("layer norm mean: %w", err)
	}
	centered, err := gorgonia.BroadcastSub(x, mean, nil, []byte{1})
	if err != nil {
		return nil, fmt.Errorf("layer norm center: %w", err)
	}

	sq, err := gorgonia.Square(centered)
	if err != nil {
		return nil, fmt.Errorf("layer norm variance: %w", err)
	}
	variance, err := gorgonia.Mean(sq, 1)
	if err != nil {
		return nil, fmt.Errorf("layer norm variance: %w", err)
	}
	shifted, err := gorgonia.Add(variance, gorgonia.NewConstant(layerNormEps))
	if err != nil {
		return nil, fmt.Errorf("layer norm eps: %w", err)
	}
	std, err := gorgonia.Sqrt(shifted)
	if err != nil {
		return nil, fmt.Errorf("layer norm std: %w", err)
	}
	if std, err = gorgonia.Reshape(std, col); err != nil {
		return nil, fmt.Errorf("layer norm std: %w", err)
	}
	xhat, err := gorgonia.BroadcastHadamardDiv(centered, std, nil, []byte{1})
	if err != nil {
		return nil, fmt.Errorf("layer norm scale: %w", err)
	}

	scaled, err := gorgonia.BroadcastHadamardProd(xhat, b.param(ln.Gamma), nil, []byte{0})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ln.Gamma.Name, err)
	}
	out, err := gorgonia.BroadcastAdd(scaled, b.param(ln.Beta), nil, []byte{0})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ln.Beta.Name, err)
	}
	return out, nil
}

// Dropout zeroes activations with probability P in training mode and scales
// the survivors by 1/(1-P). In evaluation mode its mask is all ones.
type Dropout struct {
	P float64
}

type dropoutMask struct {
	node  *gorgonia.Node
	value *tensor.Dense
	p     float64
}

func (d Dropout) apply(b *builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	if d.P <= 0 {
		return x, nil
	}
	shape := x.Shape().Clone()
	value := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(filled(shape.TotalSize(), 1)))
	mask := &dropoutMask{
		node: gorgonia.NewTensor(b.g, Dtype, shape.Dims(),
			gorgonia.WithShape(shape...),
			gorgonia.WithName(fmt.Sprintf("dropout%d", len(b.masks))),
			gorgonia.WithValue(value)),
		value: value,
		p:     d.P,
	}
	b.masks = append(b.masks, mask)

	out, err := gorgonia.HadamardProd(x, mask.node)
	if err != nil {
		return nil, fmt.Errorf("dropout: %w", err)
	}
	return out, nil
}

// fill draws a fresh mask for the given mode and binds it.
func (m *dropoutMask) fill(rng *rand.Rand, mode Mode) error {
	data := m.value.Data().([]float64)
	if mode == Training {
		keep := distuv.Bernoulli{P: 1 - m.p, Src: rng}
		scale := 1 / (1 - m.p)
		for i := range data {
			data[i] = keep.Rand() * scale
		}
	} else {
		for i := range data {
			data[i] = 1
		}
	}
	return gorgonia.Let(m.node, m.value)
}
