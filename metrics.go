package main

import (
	"encoding/json"
	"math"
	"os"
)

type Metrics struct {
	Evaluations []EvalMetrics `json:"evaluations"`
	FinalLoss   float64       `json:"final_train_loss"`
}

type EvalMetrics struct {
	Step       int     `json:"step"`
	TrainLoss  float64 `json:"train_loss"`
	EvalLoss   float64 `json:"eval_loss"`
	Perplexity float64 `json:"perplexity"`
}

// NewMetrics summarizes a training run. Perplexity is taken on the eval split.
func NewMetrics(res *TrainResult) Metrics {
	m := Metrics{Evaluations: make([]EvalMetrics, 0, len(res.History)), FinalLoss: res.FinalLoss}
	for _, r := range res.History {
		m.Evaluations = append(m.Evaluations, EvalMetrics{
			Step:       r.Step,
			TrainLoss:  r.Train,
			EvalLoss:   r.Eval,
			Perplexity: math.Exp(r.Eval),
		})
	}
	return m
}

func saveMetricsJSON(path string, metrics Metrics) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metrics)
}
