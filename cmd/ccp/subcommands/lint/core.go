//
//  Copyright © Control Core Inc. All rights reserved.
//

package lint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/controlcore/controlplane/pkg/core/opa"
	"github.com/urfave/cli/v3"
)

// Result represents the outcome of a lint operation on a file.
type Result struct {
	File    string
	Valid   bool
	Message string
}

// Execute runs the lint command: every file is parsed with the OPA
// parser first, and clean files are then style-checked with Regal.
func Execute(ctx context.Context, cmd *cli.Command) error {
	files := cmd.StringSlice("file")
	if len(files) == 0 {
		return fmt.Errorf("no files specified, use --file/-f to specify Rego files to lint")
	}

	compiler := opa.NewCompiler()
	sources := make(map[string]string, len(files))

	parseErrors := 0
	for _, file := range files {
		ext := strings.ToLower(filepath.Ext(file))
		if ext != ".rego" {
			fmt.Printf("⚠ %s: Unsupported file type (only .rego supported)\n", file)
			continue
		}

		result := lintFile(compiler, file, sources)
		if result.Valid {
			fmt.Printf("✓ %s: Valid Rego\n", file)
		} else {
			parseErrors++
			fmt.Printf("✗ %s\n", file)
			fmt.Printf("  Error: %s\n", result.Message)
		}
	}

	if parseErrors > 0 {
		fmt.Println("---")
		return fmt.Errorf("linting failed: %d file(s) with parse errors", parseErrors)
	}

	violations := 0
	if !cmd.Bool("no-regal") {
		violations = performRegalLinting(ctx, sources)
	}

	fmt.Println("---")
	if violations > 0 {
		return fmt.Errorf("linting failed: %d violation(s)", violations)
	}

	fmt.Printf("All checks passed: %d file(s) validated successfully\n", len(sources))
	return nil
}

// lintFile parses one Rego file; parsed sources are collected for the
// Regal pass.
func lintFile(compiler *opa.Compiler, file string, sources map[string]string) Result {
	content, err := os.ReadFile(file) // #nosec G304 -- CLI tool intentionally reads user-provided paths
	if err != nil {
		return Result{File: file, Message: fmt.Sprintf("Failed to read file: %v", err)}
	}

	if err := compiler.ValidateSource(file, string(content)); err != nil {
		return Result{File: file, Message: err.Error()}
	}

	sources[file] = string(content)
	return Result{File: file, Valid: true}
}
