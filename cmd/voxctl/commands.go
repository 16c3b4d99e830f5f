// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"voxctl/internal/client"

	"github.com/spf13/cobra"
)

// getClient builds an API client from the persistent flags.
func getClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	return client.New(server)
}

// requireTenant reads the tenant flag and fails if it is missing.
func requireTenant(cmd *cobra.Command) (string, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		return "", fmt.Errorf("--tenant is required")
	}
	return tenant, nil
}

// generateCmd returns the command for text generation.
func generateCmd() *cobra.Command {
	var systemPrompt string
	var model string
	var maxTokens int
	var verbose bool

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate text through the dispatcher",
		Long: `Send a prompt through the dispatcher's provider race and print the result.

Examples:
  voxctl generate --tenant acme "Summarize the meeting notes"
  voxctl generate -t acme --model gpt-4o --system "You are terse" "Explain DNS"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant(cmd)
			if err != nil {
				return err
			}

			resp, err := getClient(cmd).Generate(client.GenerateRequest{
				Tenant:       tenant,
				Prompt:       args[0],
				SystemPrompt: systemPrompt,
				Model:        model,
				MaxTokens:    maxTokens,
			})
			if err != nil {
				return fmt.Errorf("generation failed: %w", err)
			}

			fmt.Println(resp.Content)
			if verbose {
				fmt.Fprintf(os.Stderr, "\nprovider=%s model=%s cached=%v fallback=%v latency=%dms request=%s\n",
					resp.Provider, resp.Model, resp.Cached, resp.Fallback, resp.LatencyMs, resp.RequestID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&systemPrompt, "system", "s", "", "System prompt")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model override")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Maximum completion tokens")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print provider and latency details to stderr")

	return cmd
}

// synthesizeCmd returns the command for speech synthesis.
func synthesizeCmd() *cobra.Command {
	var voice string
	var output string

	cmd := &cobra.Command{
		Use:   "synthesize [text]",
		Short: "Synthesize speech and write it to a file",
		Long: `Queue a synthesis job, wait for the audio, and write it to disk.

Examples:
  voxctl synthesize --tenant acme --voice rachel --out hello.mp3 "Hello there"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant(cmd)
			if err != nil {
				return err
			}

			result, err := getClient(cmd).Synthesize(client.SynthesizeRequest{
				Tenant: tenant,
				Text:   args[0],
				Voice:  voice,
			})
			if err != nil {
				return fmt.Errorf("synthesis failed: %w", err)
			}

			if err := os.WriteFile(output, result.Audio, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", output, err)
			}

			fmt.Printf("Wrote %d bytes to %s", len(result.Audio), output)
			if result.Provider != "" {
				fmt.Printf(" (provider %s", result.Provider)
				if result.Cached {
					fmt.Print(", cached")
				}
				fmt.Print(")")
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().StringVar(&voice, "voice", "", "Voice name, e.g. rachel")
	cmd.Flags().StringVarP(&output, "out", "o", "out.mp3", "Output file path")

	return cmd
}

// statusCmd returns the command for inspecting circuit breaker states.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-provider circuit breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			breakers, err := getClient(cmd).Status()
			if err != nil {
				return fmt.Errorf("status check failed: %w", err)
			}
			if len(breakers) == 0 {
				fmt.Println("No breakers registered.")
				return nil
			}
			for name, state := range breakers {
				fmt.Printf("%-24s %s\n", name, state)
			}
			return nil
		},
	}
}

// statsCmd returns the command for dumping dispatcher statistics.
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Dump dispatcher and queue statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := getClient(cmd).Stats()
			if err != nil {
				return fmt.Errorf("stats fetch failed: %w", err)
			}
			var pretty map[string]interface{}
			if err := json.Unmarshal(raw, &pretty); err != nil {
				return fmt.Errorf("decoding stats: %w", err)
			}
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

// healthCmd returns the command for the health check.
func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the dispatcher is healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := getClient(cmd).Health(); err != nil {
				return fmt.Errorf("dispatcher unhealthy: %w", err)
			}
			fmt.Println("ok")
			return nil
		},
	}
}
