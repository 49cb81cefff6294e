package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func writeCorpus(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func smallArgs(dataset string, extra ...string) []string {
	return append([]string{
		"--dataset", dataset,
		"--block-size", "4",
		"--batch-size", "2",
		"--embed-size", "8",
		"--num-heads", "2",
		"--head-size", "4",
		"--num-layers", "1",
		"--steps", "3",
		"--eval-period", "2",
		"--eval-iters", "2",
		"--sample-len", "20",
	}, extra...)
}

func TestCLIRun(t *testing.T) {
	dataset := writeCorpus(t, strings.Repeat("hello world\n", 20))
	metrics := filepath.Join(t.TempDir(), "metrics.json")

	out, err := runCLI(t, smallArgs(dataset, "--seed", "3", "--metrics", metrics)...)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}

	for _, want := range []string{
		"Total dataset len: 240\n",
		`Vocabulary: ["\n" " " "d" "e" "h" "l" "o" "r" "w"]`,
		"Using device 'cpu'\n",
		"Train dataset len: 216\n",
		"Evaluation dataset len: 24\n",
		"Total model size: ",
		"Losses @ 0: train = ",
		"Losses @ 2: train = ",
		"Final training loss: ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	_, sample, ok := strings.Cut(out, "---\n")
	if !ok {
		t.Fatalf("no sample separator in output:\n%s", out)
	}
	sample = strings.TrimSuffix(sample, "\n")
	if n := utf8.RuneCountInString(sample); n != 20 {
		t.Errorf("sample %q has %d characters, want 20", sample, n)
	}
	for _, r := range sample {
		if !strings.ContainsRune("hello world\n", r) {
			t.Errorf("sample has character %q outside the vocabulary", r)
		}
	}

	data, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatal(err)
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if len(m.Evaluations) != 2 || m.Evaluations[1].Step != 2 {
		t.Errorf("metrics evaluations = %+v, want steps 0 and 2", m.Evaluations)
	}
}

func TestCLISeededRunsMatch(t *testing.T) {
	dataset := writeCorpus(t, strings.Repeat("the cat sat on the mat. ", 10))
	args := smallArgs(dataset, "--seed", "1337", "--dropout", "0.1")

	first, err := runCLI(t, args...)
	if err != nil {
		t.Fatal(err)
	}
	second, err := runCLI(t, args...)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("seeded runs differ:\n%s\n---\n%s", first, second)
	}
}

func TestCLIErrors(t *testing.T) {
	short := writeCorpus(t, "abcdefghij")
	tests := []struct {
		name string
		args []string
		want error
	}{
		{"missing file", smallArgs(filepath.Join(t.TempDir(), "nope.txt")), os.ErrNotExist},
		{"short dataset", smallArgs(short), ErrShortData},
		{"bad split", smallArgs(short, "--split", "1.5"), ErrBadOption},
		{"bad dropout", smallArgs(short, "--dropout", "1"), ErrBadOption},
		{"bad eval period", smallArgs(short, "--eval-period", "0"), ErrBadOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCLI(t, tt.args...); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := runCLI(t); !errors.Is(err, ErrBadOption) {
		t.Errorf("error without --dataset = %v, want ErrBadOption", err)
	}
}
