//
//  Copyright © Control Core Inc. All rights reserved.
//

package lint

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/regal/pkg/linter"
	"github.com/open-policy-agent/regal/pkg/report"
	"github.com/open-policy-agent/regal/pkg/rules"
)

// performRegalLinting runs Regal on the parsed Rego sources using the
// Regal Go library directly instead of shelling out to the regal CLI.
// Returns the number of violations found.
func performRegalLinting(ctx context.Context, sources map[string]string) int {
	if len(sources) == 0 {
		return 0
	}

	input, err := rules.InputFromMap(sources, nil)
	if err != nil {
		fmt.Printf("✗ Failed to parse Rego for Regal linting: %v\n", err)
		return 1
	}

	regalLinter := linter.NewLinter().WithInputModules(&input)

	regalReport, err := regalLinter.Lint(ctx)
	if err != nil {
		fmt.Printf("✗ Regal linting failed: %v\n", err)
		return 1
	}

	for _, violation := range regalReport.Violations {
		printRegalViolation(violation)
	}

	return len(regalReport.Violations)
}

// printRegalViolation formats and prints a single Regal violation.
func printRegalViolation(violation report.Violation) {
	fmt.Printf("✗ Regal: %s at %s:%d:%d\n",
		violation.Title, violation.Location.File, violation.Location.Row, violation.Location.Column)
	fmt.Printf("  Category: %s | Level: %s\n", violation.Category, violation.Level)
	if violation.Description != "" {
		fmt.Printf("  Description: %s\n", violation.Description)
	}
	fmt.Println()
}
