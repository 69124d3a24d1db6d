// Command genai runs an offline generation demo: tokenizer and embedding
// table come from a model directory, while the language model is the
// in-memory reference executor with a toy scoring function. It exists to
// exercise the full pipeline end to end without a compiled model.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	nanogenai "github.com/unixsysdev/nano-go-genai"
	"github.com/unixsysdev/nano-go-genai/internal/executor"
	"github.com/unixsysdev/nano-go-genai/pkg/tokenizer"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		modelDir     string
		embedTensor  string
		maxNewTokens int
		numBeams     int
		temperature  float64
		topK         int
		topP         float64
		seed         uint64
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "genai [prompt...]",
		Short: "Run the generation pipeline against the reference executor",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).With().Timestamp().Logger()

			tok, err := tokenizer.New(modelDir)
			if err != nil {
				return err
			}
			embedModel, err := nanogenai.LoadEmbeddings(filepath.Join(modelDir, "model.safetensors"), embedTensor)
			if err != nil {
				return err
			}

			// Toy scorer: deterministically prefer the successor of the
			// token just fed, which makes runs reproducible end to end.
			vocab := embedModel.Vocab()
			language := executor.NewStateful(vocab, func(row, position int, lastToken int64) []float32 {
				scores := make([]float32, vocab)
				next := (lastToken + 1) % int64(vocab)
				if lastToken < 0 {
					next = int64(position % vocab)
				}
				scores[next] = 8
				return scores
			})

			opts := []nanogenai.Option{
				nanogenai.WithMaxNewTokens(maxNewTokens),
				nanogenai.WithRNGSeed(seed),
			}
			if numBeams > 1 {
				opts = append(opts, nanogenai.WithNumBeams(numBeams))
			} else if temperature > 0 {
				opts = append(opts,
					nanogenai.WithSampling(float32(temperature)),
					nanogenai.WithTopK(topK),
					nanogenai.WithTopP(float32(topP)))
			}

			pipeline, err := nanogenai.NewVLMPipeline(language, tok, embedModel, nil, modelDir, log, opts...)
			if err != nil {
				return err
			}

			for _, prompt := range args {
				results, err := pipeline.Generate(prompt, nil)
				if err != nil {
					return err
				}
				for i, text := range results.Texts {
					fmt.Printf("[%d] score=%.4f %s\n", i, results.Scores[i], text)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&modelDir, "model-dir", ".", "directory with tokenizer.json and embedding weights")
	cmd.Flags().StringVar(&embedTensor, "embed-tensor", "model.embed_tokens.weight", "embedding tensor name in the safetensors file")
	cmd.Flags().IntVar(&maxNewTokens, "max-tokens", 32, "maximum new tokens per turn")
	cmd.Flags().IntVar(&numBeams, "beams", 1, "beam count (1 disables beam search)")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "sampling temperature (0 = greedy)")
	cmd.Flags().IntVar(&topK, "top-k", 50, "top-k filter when sampling")
	cmd.Flags().Float64Var(&topP, "top-p", 0.95, "nucleus mass when sampling")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "sampler seed")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable per-step debug logging")
	return cmd
}
