package main

import (
	"fmt"
	"io"
	"log"
	"unicode/utf8"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("nanogpt: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	opts := DefaultOptions()
	var seed uint64

	cmd := &cobra.Command{
		Use:           "nanogpt --dataset FILE",
		Short:         "Train a character-level transformer on a text file and sample from it",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("seed") {
				opts.Seed = &seed
			}
			return run(opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Dataset, "dataset", "", "Path to the training text (required)")
	f.Float64Var(&opts.Split, "split", opts.Split, "Fraction of the dataset used for training")
	f.IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "Sequences per batch")
	f.IntVar(&opts.BlockSize, "block-size", opts.BlockSize, "Maximum context length")
	f.IntVar(&opts.EmbedSize, "embed-size", opts.EmbedSize, "Embedding dimension")
	f.IntVar(&opts.NumHeads, "num-heads", opts.NumHeads, "Attention heads per block")
	f.IntVar(&opts.HeadSize, "head-size", opts.HeadSize, "Dimension of each attention head")
	f.IntVar(&opts.NumLayers, "num-layers", opts.NumLayers, "Transformer blocks")
	f.Float64Var(&opts.Dropout, "dropout", opts.Dropout, "Dropout probability")
	f.Float64Var(&opts.LearningRate, "learning-rate", opts.LearningRate, "Adam learning rate")
	f.IntVar(&opts.Steps, "steps", opts.Steps, "Training steps")
	f.IntVar(&opts.EvalPeriod, "eval-period", opts.EvalPeriod, "Steps between loss estimates")
	f.IntVar(&opts.EvalIters, "eval-iters", opts.EvalIters, "Batches averaged per loss estimate")
	f.Uint64Var(&seed, "seed", 0, "Random seed (random when unset)")
	f.IntVar(&opts.SampleLen, "sample-len", opts.SampleLen, "Characters sampled after training")
	f.StringVar(&opts.Metrics, "metrics", "", "Write the loss history as JSON to this file")

	return cmd
}

func run(opts Options, out io.Writer) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	corpus, err := loadCorpus(opts.Dataset)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Total dataset len: %d\n", utf8.RuneCountInString(corpus))

	vocab := BuildVocab(corpus)
	fmt.Fprintf(out, "Vocabulary: %q\n", vocab.Chars())
	fmt.Fprintln(out, "Using device 'cpu'")

	tokens, err := vocab.Encode(corpus)
	if err != nil {
		return err
	}
	train, eval := SplitTokens(tokens, opts.Split)
	fmt.Fprintf(out, "Train dataset len: %d\n", len(train))
	fmt.Fprintf(out, "Evaluation dataset len: %d\n", len(eval))
	if len(train) <= opts.BlockSize || len(eval) <= opts.BlockSize {
		return fmt.Errorf("splits of %d and %d tokens with block size %d: %w", len(train), len(eval), opts.BlockSize, ErrShortData)
	}

	rng := opts.NewRand()
	model, err := NewLanguageModel(opts.ModelConfig(vocab.Size()), rng)
	if err != nil {
		return err
	}
	defer model.Close()
	fmt.Fprintf(out, "Total model size: %d\n", model.ParamCount())

	trainer, err := NewTrainer(model, rng, train, eval, opts.TrainConfig(), opts.LearningRate, out)
	if err != nil {
		return err
	}
	res, err := trainer.Run()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Final training loss: %.4f\n", res.FinalLoss)

	if opts.Metrics != "" {
		if err := saveMetricsJSON(opts.Metrics, NewMetrics(res)); err != nil {
			return fmt.Errorf("save metrics: %w", err)
		}
	}

	fmt.Fprintln(out, "---")
	ids, err := model.Generate(rng, nil, opts.SampleLen)
	if err != nil {
		return err
	}
	text, err := vocab.Decode(ids)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, text)
	return nil
}
