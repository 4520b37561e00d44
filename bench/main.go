package main

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"scalellm-go/scalellm"
)

func main() {
	fmt.Println("ScaleLLM Scheduler Benchmark")
	fmt.Println("============================")
	fmt.Println()

	numRequests := 256
	minInputLen := 100
	maxInputLen := 1024
	minOutputLen := 100
	maxOutputLen := 1024

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Number of requests: %d\n", numRequests)
	fmt.Printf("  Input length: %d-%d tokens\n", minInputLen, maxInputLen)
	fmt.Printf("  Output length: %d-%d tokens\n", minOutputLen, maxOutputLen)
	fmt.Println()

	config, err := scalellm.NewConfig(
		scalellm.WithNumBlocks(16384),
		scalellm.WithMaxNumRunningSeqs(512),
		scalellm.WithMaxBatchTokens(16384),
		scalellm.WithMaxModelLen(4096),
		scalellm.WithPrefixCaching(true),
	)
	if err != nil {
		log.Fatalf("Config failed: %v", err)
	}

	// The mock executor isolates scheduler and allocator overhead from
	// model compute.
	engine := scalellm.NewEngine(config, scalellm.NewMockExecutor(), nil)
	defer engine.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	totalOutputTokens := 0
	remaining := numRequests

	fmt.Println("Starting benchmark...")
	startTime := time.Now()

	for i := 0; i < numRequests; i++ {
		inputLen := minInputLen + rng.Intn(maxInputLen-minInputLen+1)
		outputLen := minOutputLen + rng.Intn(maxOutputLen-minOutputLen+1)

		tokens := make([]int, inputLen)
		for j := range tokens {
			tokens[j] = rng.Intn(32000)
		}

		_, err := engine.AddRequest(scalellm.Request{
			TokenIDs: tokens,
			Params: scalellm.NewSamplingParams(
				scalellm.WithTemperature(0.6),
				scalellm.WithMaxTokens(outputLen),
				scalellm.WithIgnoreEOS(true),
			),
		}, func(out scalellm.RequestOutput) bool {
			if out.Finished {
				for _, seq := range out.Outputs {
					totalOutputTokens += len(seq.TokenIDs)
				}
				remaining--
			}
			return true
		})
		if err != nil {
			log.Fatalf("AddRequest failed: %v", err)
		}
	}

	for remaining > 0 {
		if err := engine.Scheduler().Step(time.Second); err != nil {
			log.Fatalf("Step failed: %v", err)
		}
	}
	elapsed := time.Since(startTime).Seconds()

	throughput := float64(totalOutputTokens) / elapsed

	fmt.Println()
	fmt.Println("Benchmark Results:")
	fmt.Println("==================")
	fmt.Printf("Total requests: %d\n", numRequests)
	fmt.Printf("Total output tokens: %d\n", totalOutputTokens)
	fmt.Printf("Time elapsed: %.2f seconds\n", elapsed)
	fmt.Printf("Throughput: %.2f tokens/sec\n", throughput)
	fmt.Printf("Average latency: %.2f ms/request\n", elapsed*1000/float64(numRequests))
	fmt.Println()

	fmt.Println("Note: This benchmark uses the mock executor.")
	fmt.Println("For real performance measurements, use the onnx or remote backend.")
}
