// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// Package main implements the voxctl CLI tool for the dispatcher service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "voxctl",
		Short:   "Voxline dispatcher CLI tool",
		Long:    `voxctl is a command-line client for the Voxline request dispatcher.`,
		Version: version,
	}

	rootCmd.PersistentFlags().String("server", defaultServer(), "dispatcher base URL")
	rootCmd.PersistentFlags().StringP("tenant", "t", "", "tenant identifier (required for requests)")

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(synthesizeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(healthCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultServer() string {
	if v := os.Getenv("VOXLINE_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8080"
}
