package main

import (
	"fmt"
	"log"

	"scalellm-go/backend"
	"scalellm-go/scalellm"
)

func main() {
	config, err := scalellm.NewConfig(
		scalellm.WithNumBlocks(256),
		scalellm.WithMaxBatchTokens(4096),
		scalellm.WithPrefixCaching(true),
	)
	if err != nil {
		log.Fatalf("Config failed: %v", err)
	}

	// The mock backend generates deterministic tokens; swap in the onnx
	// or remote backend for real models.
	opts := backend.Options{Kind: backend.KindMock, EOS: config.EOS}
	executor, err := backend.NewExecutor(opts)
	if err != nil {
		log.Fatalf("Backend failed: %v", err)
	}
	tokenizer, err := backend.NewTokenizer(opts)
	if err != nil {
		log.Fatalf("Tokenizer failed: %v", err)
	}

	engine := scalellm.NewEngine(config, executor, tokenizer)
	defer engine.Close()

	samplingParams := scalellm.NewSamplingParams(
		scalellm.WithTemperature(0.6),
		scalellm.WithMaxTokens(64),
	)

	prompts := []string{
		"Hello, ScaleLLM!",
		"What is the meaning of life?",
		"Explain quantum computing in simple terms.",
	}

	fmt.Println("Starting generation...")
	fmt.Println()

	outputs, err := engine.Generate(prompts, samplingParams)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, output := range outputs {
		fmt.Printf("\nPrompt %d: %s\n", i+1, prompts[i])
		fmt.Printf("Output: %s\n", output)
	}
}
