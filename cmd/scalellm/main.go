package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"scalellm-go/backend"
	"scalellm-go/scalellm"
	"scalellm-go/server"
)

var (
	// Global flags
	logLevel   string
	configPath string

	// Engine flags; zero values defer to the config file / defaults.
	backendKind     string
	modelPath       string
	tokenizerPath   string
	modelServerURL  string
	vocabSize       int
	blockSize       int
	numBlocks       int
	maxRunningSeqs  int
	maxBatchTokens  int
	maxModelLen     int
	chunkedPrefill  int
	preemptionMode  string
	prefixCaching   bool
	eosTokenID      int

	// serve flags
	listenAddr string

	// generate flags
	maxTokens   int
	temperature float64
)

var rootCmd = &cobra.Command{
	Use:   "scalellm",
	Short: "Continuous-batching LLM inference engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP inference server",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := buildEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := &http.Server{
			Addr:    listenAddr,
			Handler: server.New(engine).Handler(),
		}

		go func() {
			if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logrus.WithError(err).Error("engine loop exited")
			}
		}()

		errCh := make(chan error, 1)
		go func() {
			logrus.WithField("addr", listenAddr).Info("listening")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			logrus.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate [prompts...]",
	Short: "Generate completions for prompts and print them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := buildEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		params := scalellm.NewSamplingParams(
			scalellm.WithMaxTokens(maxTokens),
			scalellm.WithTemperature(temperature),
		)
		texts, err := engine.Generate(args, params)
		if err != nil {
			return err
		}
		for i, text := range texts {
			logrus.WithField("prompt", args[i]).Info("completed")
			os.Stdout.WriteString(text + "\n")
		}
		return nil
	},
}

// buildEngine loads configuration, applies flag overrides and assembles
// the engine with the selected backend.
func buildEngine() (*scalellm.Engine, error) {
	opts := configOverrides()
	var cfg *scalellm.Config
	var err error
	if configPath != "" {
		cfg, err = scalellm.LoadConfig(configPath, opts...)
	} else {
		cfg, err = scalellm.NewConfig(opts...)
	}
	if err != nil {
		return nil, err
	}

	bopts := backend.Options{
		Kind:          backend.Kind(backendKind),
		ModelPath:     modelPath,
		TokenizerPath: tokenizerPath,
		ServerURL:     modelServerURL,
		VocabSize:     vocabSize,
		EOS:           cfg.EOS,
	}
	executor, err := backend.NewExecutor(bopts)
	if err != nil {
		return nil, err
	}
	tokenizer, err := backend.NewTokenizer(bopts)
	if err != nil {
		executor.Close()
		return nil, err
	}
	return scalellm.NewEngine(cfg, executor, tokenizer), nil
}

// configOverrides maps explicitly-set flags to config options so flags
// win over the config file.
func configOverrides() []scalellm.ConfigOption {
	var opts []scalellm.ConfigOption
	if blockSize > 0 {
		opts = append(opts, scalellm.WithBlockSize(blockSize))
	}
	if numBlocks > 0 {
		opts = append(opts, scalellm.WithNumBlocks(numBlocks))
	}
	if maxRunningSeqs > 0 {
		opts = append(opts, scalellm.WithMaxNumRunningSeqs(maxRunningSeqs))
	}
	if maxBatchTokens > 0 {
		opts = append(opts, scalellm.WithMaxBatchTokens(maxBatchTokens))
	}
	if maxModelLen > 0 {
		opts = append(opts, scalellm.WithMaxModelLen(maxModelLen))
	}
	if chunkedPrefill > 0 {
		opts = append(opts, scalellm.WithChunkedPrefill(chunkedPrefill))
	}
	if preemptionMode != "" {
		opts = append(opts, scalellm.WithPreemptionMode(scalellm.PreemptionMode(preemptionMode)))
	}
	if prefixCaching {
		opts = append(opts, scalellm.WithPrefixCaching(true))
	}
	if eosTokenID > 0 {
		opts = append(opts, scalellm.WithEOS(eosTokenID))
	}
	return opts
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "info", "Log verbosity (debug, info, warn, error)")
	pf.StringVar(&configPath, "config", "", "Path to YAML config file")
	pf.StringVar(&backendKind, "backend", "mock", "Model backend (mock, onnx, remote)")
	pf.StringVar(&modelPath, "model", "", "Path to ONNX model file")
	pf.StringVar(&tokenizerPath, "tokenizer", "", "Path to HuggingFace tokenizer.json")
	pf.StringVar(&modelServerURL, "model-server", "", "URL of remote model server")
	pf.IntVar(&vocabSize, "vocab-size", 32000, "Model vocabulary size")
	pf.IntVar(&blockSize, "block-size", 0, "Tokens per KV cache block")
	pf.IntVar(&numBlocks, "num-blocks", 0, "KV cache blocks in the device pool")
	pf.IntVar(&maxRunningSeqs, "max-running-seqs", 0, "Maximum concurrently running sequences")
	pf.IntVar(&maxBatchTokens, "max-batch-tokens", 0, "Per-step token budget")
	pf.IntVar(&maxModelLen, "max-model-len", 0, "Maximum sequence length")
	pf.IntVar(&chunkedPrefill, "chunked-prefill", 0, "Prompt tokens computed per step (0 = whole prompt)")
	pf.StringVar(&preemptionMode, "preemption-mode", "", "Preemption mode (recompute, swap)")
	pf.BoolVar(&prefixCaching, "prefix-caching", false, "Enable prefix caching")
	pf.IntVar(&eosTokenID, "eos", 0, "End-of-sequence token id")

	serveCmd.Flags().StringVar(&listenAddr, "addr", ":8080", "Listen address")

	generateCmd.Flags().IntVar(&maxTokens, "max-tokens", 128, "Maximum tokens to generate")
	generateCmd.Flags().Float64Var(&temperature, "temperature", 1.0, "Sampling temperature (0 = greedy)")

	rootCmd.AddCommand(serveCmd, generateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}
