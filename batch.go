package main

import (
	"fmt"
	"math/rand/v2"
)

// Batch is a set of training windows. Inputs and Targets are row-major
// Size x Steps; target row i is input row i shifted left by one token.
type Batch struct {
	Size, Steps int
	Offsets     []int
	Inputs      []int
	Targets     []int
}

// Input returns the i-th input window.
func (b Batch) Input(i int) []int {
	return b.Inputs[i*b.Steps : (i+1)*b.Steps]
}

// Target returns the i-th target window.
func (b Batch) Target(i int) []int {
	return b.Targets[i*b.Steps : (i+1)*b.Steps]
}

// SplitTokens splits tokens positionally: the first frac of the sequence is
// the training split and the remainder is the evaluation split.
func SplitTokens(tokens []int, frac float64) (train, eval []int) {
	split := int(float64(len(tokens)) * frac)
	split = max(0, min(split, len(tokens)))
	return tokens[:split], tokens[split:]
}

// SampleBatch draws batchSize windows of blockSize tokens. Offsets are uniform
// over [0, len(data)-blockSize) and drawn with replacement.
func SampleBatch(rng *rand.Rand, data []int, blockSize, batchSize int) (Batch, error) {
	if blockSize <= 0 || batchSize <= 0 {
		return Batch{}, fmt.Errorf("sample batch %dx%d: %w", batchSize, blockSize, ErrBadOption)
	}
	if len(data) <= blockSize {
		return Batch{}, fmt.Errorf("sample %d tokens with block size %d: %w", len(data), blockSize, ErrShortData)
	}

	b := Batch{
		Size:    batchSize,
		Steps:   blockSize,
		Offsets: make([]int, batchSize),
		Inputs:  make([]int, 0, batchSize*blockSize),
		Targets: make([]int, 0, batchSize*blockSize),
	}
	for i := range batchSize {
		off := rng.IntN(len(data) - blockSize)
		b.Offsets[i] = off
		b.Inputs = append(b.Inputs, data[off:off+blockSize]...)
		b.Targets = append(b.Targets, data[off+1:off+blockSize+1]...)
	}
	return b, nil
}
