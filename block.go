package main

import (
	"fmt"

	"gorgonia.org/gorgonia"
)

// feedForwardMultiplier sizes the hidden layer of the position-wise MLP.
const feedForwardMultiplier = 4

// FeedForward is the position-wise embed -> 4*embed -> ReLU -> embed map.
type FeedForward struct {
	Hidden, Proj Linear
}

func newFeedForward(s *paramSet, name string, embedSize int) *FeedForward {
	inner := feedForwardMultiplier * embedSize
	return &FeedForward{
		Hidden: newLinear(s, name+".hidden", embedSize, inner),
		Proj:   newLinear(s, name+".proj", inner, embedSize),
	}
}

func (ff *FeedForward) apply(b *builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	h, err := ff.Hidden.apply(b, x)
	if err != nil {
		return nil, err
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, fmt.Errorf("feed forward relu: %w", err)
	}
	return ff.Proj.apply(b, h)
}

// Block is a pre-norm transformer block:
//
//	x = x + Dropout(MultiHead(LN1(x)))
//	x = x + Dropout(FeedForward(LN2(x)))
type Block struct {
	LN1, LN2     LayerNorm
	Attn         *MultiHead
	FF           *FeedForward
	Drop1, Drop2 Dropout
}

func newBlock(s *paramSet, name string, cfg Config) *Block {
	return &Block{
		LN1:   newLayerNorm(s, name+".ln1", cfg.EmbedSize),
		Attn:  newMultiHead(s, name+".attn", cfg.BlockSize, cfg.EmbedSize, cfg.NumHeads, cfg.HeadSize, cfg.Dropout),
		Drop1: Dropout{P: cfg.Dropout},
		LN2:   newLayerNorm(s, name+".ln2", cfg.EmbedSize),
		FF:    newFeedForward(s, name+".ff", cfg.EmbedSize),
		Drop2: Dropout{P: cfg.Dropout},
	}
}

// residual computes x + drop(f(ln(x))).
func residual(b *builder, x *gorgonia.Node, ln LayerNorm, f func(*builder, *gorgonia.Node) (*gorgonia.Node, error), drop Dropout) (*gorgonia.Node, error) {
	h, err := ln.apply(b, x)
	if err != nil {
		return nil, err
	}
	if h, err = f(b, h); err != nil {
		return nil, err
	}
	if h, err = drop.apply(b, h); err != nil {
		return nil, err
	}
	out, err := gorgonia.Add(x, h)
	if err != nil {
		return nil, fmt.Errorf("residual: %w", err)
	}
	return out, nil
}

func (blk *Block) apply(b *builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	x, err := residual(b, x, blk.LN1, blk.Attn.apply, blk.Drop1)
	if err != nil {
		return nil, fmt.Errorf("attention sublayer: %w", err)
	}
	if x, err = residual(b, x, blk.LN2, blk.FF.apply, blk.Drop2); err != nil {
		return nil, fmt.Errorf("feed forward sublayer: %w", err)
	}
	return x, nil
}
