//
//  Copyright © Control Core Inc. All rights reserved.
//

package build

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/controlcore/controlplane/pkg/core/bundle"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/opa"
	"github.com/controlcore/controlplane/pkg/core/store/sqldb"
	"github.com/urfave/cli/v3"
)

// Execute builds a bundle for one tenant environment straight from the
// configured store.  With --output the artifact is written to a file as
// JSON; without it the artifact is published to the bundle directory the
// same way the serve-time worker pool would.
func Execute(ctx context.Context, cmd *cli.Command) error {
	tenantID := cmd.String("tenant")
	env, err := model.ParseEnvironment(cmd.String("environment"))
	if err != nil {
		return err
	}

	s, err := sqldb.New(ctx, sqldb.OptionsFromConfig())
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	storage := bundle.NewStorageFromConfig()
	builder := bundle.NewBuilder(s, storage, opa.NewCompiler())

	output := cmd.String("output")
	if output == "" {
		artifact, err := builder.Publish(ctx, tenantID, env)
		if err != nil {
			return err
		}
		fmt.Printf("published bundle %s (%d policies)\n", artifact.Version, len(artifact.PolicyIDs))
		return nil
	}

	artifact, err := builder.Build(ctx, tenantID, env)
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, raw, 0o600); err != nil {
		return err
	}
	fmt.Printf("wrote bundle %s → %s\n", artifact.Version, output)
	return nil
}
