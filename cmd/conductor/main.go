// Package main is the entry point for the Conductor CLI
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/conductor/internal/config"
	"github.com/cloud-shuttle/conductor/internal/db"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Orchestrate autonomous multi-model development runs",
		Long: `Conductor drives a development goal to completion by letting a conductor
model plan the work, decide each iteration, and delegate file creation to a
pool of worker models running in parallel. Tasks are durable: they survive
restarts, can be steered with instructions mid-run, and resume where they
stopped.`,
		Version: "0.1.0",
	}

	rootCmd.AddCommand(
		initCmd(),
		planCmd(),
		startCmd(),
		statusCmd(),
		listCmd(),
		logsCmd(),
		instructCmd(),
		cancelCmd(),
		resumeCmd(),
		deleteCmd(),
		workspacesCmd(),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// findProjectDir locates the conductor project root by searching upward
func findProjectDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, ".conductor")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a conductor project (or any parent up to root)")
		}
		dir = parent
	}
}

// requireProject ensures we're in a conductor project directory
func requireProject() (string, *db.Store, error) {
	dir, err := findProjectDir()
	if err != nil {
		return "", nil, err
	}

	store, err := db.Open(filepath.Join(dir, ".conductor", "conductor.db"))
	if err != nil {
		return "", nil, fmt.Errorf("opening database: %w", err)
	}

	return dir, store, nil
}
