package main

import (
	"errors"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
)

func abTokens(t *testing.T) []int {
	t.Helper()
	corpus := strings.Repeat("ab", 100)
	return must.M1(BuildVocab(corpus).Encode(corpus))
}

func TestSampleBatchWindows(t *testing.T) {
	data := abTokens(t)
	rng := rand.New(rand.NewPCG(1, 2))
	const blockSize, batchSize = 4, 2

	for range 500 {
		b := must.M1(SampleBatch(rng, data, blockSize, batchSize))
		if len(b.Offsets) != batchSize || len(b.Inputs) != batchSize*blockSize || len(b.Targets) != batchSize*blockSize {
			t.Fatalf("batch sizes: offsets=%d inputs=%d targets=%d", len(b.Offsets), len(b.Inputs), len(b.Targets))
		}
		for i, off := range b.Offsets {
			if off < 0 || off >= len(data)-blockSize {
				t.Fatalf("offset %d outside [0, %d)", off, len(data)-blockSize)
			}
			in, tg := b.Input(i), b.Target(i)
			if !slices.Equal(in, data[off:off+blockSize]) {
				t.Fatalf("input %v is not data[%d:%d]", in, off, off+blockSize)
			}
			for k := 0; k < blockSize-1; k++ {
				if tg[k] != in[k+1] {
					t.Fatalf("target[%d] = %d, want input[%d] = %d", k, tg[k], k+1, in[k+1])
				}
			}
			if tg[blockSize-1] != data[off+blockSize] {
				t.Fatalf("last target = %d, want %d", tg[blockSize-1], data[off+blockSize])
			}
		}
	}
}

func TestSampleBatchShortData(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, n := range []int{0, 3, 4} {
		_, err := SampleBatch(rng, make([]int, n), 4, 2)
		if !errors.Is(err, ErrShortData) {
			t.Errorf("SampleBatch(len=%d, block=4) error = %v, want ErrShortData", n, err)
		}
	}
	if _, err := SampleBatch(rng, make([]int, 5), 4, 2); err != nil {
		t.Errorf("SampleBatch(len=5, block=4) error = %v", err)
	}
}

func TestSampleBatchSeeded(t *testing.T) {
	data := abTokens(t)
	a := rand.New(rand.NewPCG(7, 0))
	b := rand.New(rand.NewPCG(7, 0))
	for range 20 {
		x := must.M1(SampleBatch(a, data, 8, 4))
		y := must.M1(SampleBatch(b, data, 8, 4))
		if !slices.Equal(x.Offsets, y.Offsets) {
			t.Fatalf("same seed gave offsets %v and %v", x.Offsets, y.Offsets)
		}
	}
}

func TestSplitTokens(t *testing.T) {
	tokens := make([]int, 100)
	for i := range tokens {
		tokens[i] = i
	}
	train, eval := SplitTokens(tokens, 0.9)
	if len(train) != 90 || len(eval) != 10 {
		t.Fatalf("split lengths %d/%d, want 90/10", len(train), len(eval))
	}
	if train[89] != 89 || eval[0] != 90 {
		t.Errorf("split is not positional: train ends %d, eval starts %d", train[89], eval[0])
	}
}
