//
//  Copyright © Control Core Inc. All rights reserved.
//

package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/controlcore/controlplane/cmd/ccp/subcommands/build"
	"github.com/controlcore/controlplane/cmd/ccp/subcommands/lint"
	"github.com/controlcore/controlplane/cmd/ccp/subcommands/migrate"
	"github.com/controlcore/controlplane/cmd/ccp/subcommands/serve"
	"github.com/controlcore/controlplane/cmd/ccp/version"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:    "ccp",
		Usage:   "The Control Core control plane",
		Version: version.GetVersion(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, config.Load()
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Runs the control plane: HTTP gateway plus the background workers",
				Action: serve.Execute,
			},
			{
				Name:   "migrate",
				Usage:  "Applies pending schema migrations and verifies the result, then exits",
				Action: migrate.Execute,
			},
			{
				Name:  "build",
				Usage: "Builds a policy bundle offline from the configured store",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "tenant",
						Aliases:  []string{"t"},
						Usage:    "Tenant identifier to build the bundle for",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "environment",
						Aliases: []string{"e"},
						Usage:   "Environment to build, 'sandbox' or 'production'",
						Value:   string(model.Sandbox),
						Action: func(ctx context.Context, command *cli.Command, s string) error {
							if _, err := model.ParseEnvironment(s); err != nil {
								return fmt.Errorf("unsupported environment: %s", s)
							}
							return nil
						},
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Write the bundle artifact to `FILE` instead of publishing it to the bundle directory",
					},
				},
				Action: build.Execute,
			},
			{
				Name:  "lint",
				Usage: "Validate Rego policy files with the OPA parser and Regal",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "Rego policy file to lint (.rego). Can be specified multiple times.",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "no-regal",
						Usage: "Skip Regal style linting and only run the OPA parser",
					},
				},
				Action: lint.Execute,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
