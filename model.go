package main

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gorgonia.org/gorgonia"
)

// Config sizes a LanguageModel.
type Config struct {
	VocabSize int
	BlockSize int // maximum context length
	EmbedSize int
	NumHeads  int
	HeadSize  int
	NumLayers int
	Dropout   float64
}

func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab size %d: %w", c.VocabSize, ErrBadOption)
	case c.BlockSize <= 0:
		return fmt.Errorf("block size %d: %w", c.BlockSize, ErrBadOption)
	case c.EmbedSize <= 0:
		return fmt.Errorf("embed size %d: %w", c.EmbedSize, ErrBadOption)
	case c.NumHeads <= 0 || c.HeadSize <= 0:
		return fmt.Errorf("%d heads of size %d: %w", c.NumHeads, c.HeadSize, ErrBadOption)
	case c.NumLayers < 0:
		return fmt.Errorf("%d layers: %w", c.NumLayers, ErrBadOption)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("dropout %v: %w", c.Dropout, ErrBadOption)
	}
	return nil
}

// Mode selects dropout behaviour.
type Mode int

const (
	Training Mode = iota
	Evaluation
)

func (m Mode) String() string {
	if m == Evaluation {
		return "eval"
	}
	return "train"
}

// LanguageModel is a decoder-only character transformer. It owns its
// parameters; graphs compiled for different shapes share them.
type LanguageModel struct {
	cfg  Config
	rng  *rand.Rand // dropout masks
	mode Mode

	TokenEmbed *Param // vocab x embed
	PosEmbed   *Param // block x embed
	Blocks     []*Block
	LN         LayerNorm
	Head       Linear // embed -> vocab

	params   *paramSet
	programs map[programKey]*program
}

// NewLanguageModel initializes a model. rng drives parameter init and dropout.
func NewLanguageModel(cfg Config, rng *rand.Rand) (*LanguageModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &paramSet{rng: rng}
	m := &LanguageModel{
		cfg:        cfg,
		rng:        rng,
		mode:       Training,
		TokenEmbed: s.normal("tok_embed", cfg.VocabSize, cfg.EmbedSize),
		PosEmbed:   s.normal("pos_embed", cfg.BlockSize, cfg.EmbedSize),
		params:     s,
		programs:   make(map[programKey]*program),
	}
	m.Blocks = make([]*Block, cfg.NumLayers)
	for i := range m.Blocks {
		m.Blocks[i] = newBlock(s, fmt.Sprintf("block%d", i), cfg)
	}
	m.LN = newLayerNorm(s, "ln_f", cfg.EmbedSize)
	m.Head = newLinear(s, "lm_head", cfg.EmbedSize, cfg.VocabSize)
	return m, nil
}

func (m *LanguageModel) Config() Config { return m.cfg }

// ParamCount returns the number of learnable scalars.
func (m *LanguageModel) ParamCount() int { return m.params.count() }

// Params lists the learnable parameters in creation order.
func (m *LanguageModel) Params() []*Param { return m.params.params }

func (m *LanguageModel) Mode() Mode { return m.mode }

// Eval switches the model to evaluation mode. The returned func puts back
// the mode it had before the call and is meant to be deferred.
func (m *LanguageModel) Eval() (restore func()) {
	prev := m.mode
	m.mode = Evaluation
	return func() { m.mode = prev }
}

// Logits holds Batch x Steps x Vocab scores, row-major.
type Logits struct {
	Batch, Steps, Vocab int
	Data                []float64
}

// At returns the scores of sequence b at position t.
func (l *Logits) At(b, t int) []float64 {
	off := (b*l.Steps + t) * l.Vocab
	return l.Data[off : off+l.Vocab]
}

func flatten(rows [][]int) (flat []int, steps int, err error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, 0, fmt.Errorf("empty token batch: %w", ErrBadOption)
	}
	steps = len(rows[0])
	flat = make([]int, 0, len(rows)*steps)
	for i, r := range rows {
		if len(r) != steps {
			return nil, 0, fmt.Errorf("row %d has %d tokens, want %d: %w", i, len(r), steps, ErrBadOption)
		}
		flat = append(flat, r...)
	}
	return flat, steps, nil
}

// ForwardLogits scores every position of every sequence in tokens. All rows
// must have the same length, at most BlockSize.
func (m *LanguageModel) ForwardLogits(tokens [][]int) (*Logits, error) {
	flat, steps, err := flatten(tokens)
	if err != nil {
		return nil, err
	}
	logits, _, err := m.run(logitsOnly, len(tokens), steps, flat, nil, nil)
	return logits, err
}

// ForwardWithLoss scores tokens and returns the mean cross entropy against
// targets over all batch and time positions.
func (m *LanguageModel) ForwardWithLoss(tokens, targets [][]int) (*Logits, float64, error) {
	flat, steps, err := flatten(tokens)
	if err != nil {
		return nil, 0, err
	}
	flatTargets, targetSteps, err := flatten(targets)
	if err != nil {
		return nil, 0, err
	}
	if len(targets) != len(tokens) || targetSteps != steps {
		return nil, 0, fmt.Errorf("targets %dx%d for tokens %dx%d: %w",
			len(targets), targetSteps, len(tokens), steps, ErrBadOption)
	}
	return m.run(withLoss, len(tokens), steps, flat, flatTargets, nil)
}

// BatchLoss is the loss of a sampled batch without any parameter update.
func (m *LanguageModel) BatchLoss(b Batch) (float64, error) {
	_, loss, err := m.run(withLoss, b.Size, b.Steps, b.Inputs, b.Targets, nil)
	return loss, err
}

// TrainStep runs forward and backward passes over b and applies one solver
// update to the parameters. It returns the loss before the update.
func (m *LanguageModel) TrainStep(solver gorgonia.Solver, b Batch) (float64, error) {
	if solver == nil {
		return 0, errors.New("train step: nil solver")
	}
	_, loss, err := m.run(training, b.Size, b.Steps, b.Inputs, b.Targets, solver)
	return loss, err
}

func (m *LanguageModel) run(kind programKind, batch, steps int, inputs, targets []int, solver gorgonia.Solver) (*Logits, float64, error) {
	if steps > m.cfg.BlockSize {
		return nil, 0, fmt.Errorf("forward %d steps with block size %d: %w", steps, m.cfg.BlockSize, ErrContextTooLong)
	}
	key := programKey{kind: kind, batch: batch, steps: steps}
	p, ok := m.programs[key]
	if !ok {
		var err error
		if p, err = m.compile(key); err != nil {
			return nil, 0, fmt.Errorf("compile %v: %w", key, err)
		}
		m.programs[key] = p
	}
	return p.run(m.rng, m.mode, inputs, targets, solver)
}

// Close releases every compiled graph.
func (m *LanguageModel) Close() error {
	var errs []error
	for key, p := range m.programs {
		errs = append(errs, p.vm.Close())
		delete(m.programs, key)
	}
	return errors.Join(errs...)
}
