//
//  Copyright © Control Core Inc. All rights reserved.
//

package migrate

import (
	"context"
	"fmt"

	"github.com/controlcore/controlplane/pkg/core/store/sqldb"
	"github.com/urfave/cli/v3"
)

// Execute opens the configured database, applies any pending schema
// migrations and verifies the resulting table set.  Opening the store
// performs both steps; a schema newer than this binary understands, or
// one missing expected tables, comes back as a schema-drift error.
func Execute(ctx context.Context, cmd *cli.Command) error {
	s, err := sqldb.New(ctx, sqldb.OptionsFromConfig())
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	fmt.Println("schema is up to date")
	return nil
}
