//
//  Copyright © Control Core Inc. All rights reserved.
//

package lifecycle

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/store"
	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var templateCorpus []byte

// SeedTemplates loads the built-in template corpus into the store.
// Existing ids are left untouched, so locally edited rows survive and
// re-seeding on every startup is safe.
func SeedTemplates(ctx context.Context, s store.Store) error {
	var templates []model.PolicyTemplate
	if err := yaml.Unmarshal(templateCorpus, &templates); err != nil {
		return common.WrapError(common.KindInternal, "parsing template corpus", err)
	}
	return s.Templates().Seed(ctx, templates)
}

// ListTemplates returns the public template corpus.  No tenant scope and
// no authentication applies.
func (m *Manager) ListTemplates(ctx context.Context, page store.Page) ([]*model.PolicyTemplate, error) {
	return m.store.Templates().List(ctx, page)
}

// GetTemplate returns one template by id.
func (m *Manager) GetTemplate(ctx context.Context, id string) (*model.PolicyTemplate, error) {
	return m.store.Templates().Get(ctx, id)
}

// Instantiate creates a new policy in the actor's tenant from a template.
// Every declared template parameter must be supplied; the environment
// defaults to sandbox.
func (m *Manager) Instantiate(ctx context.Context, actor *model.Actor, templateID, name string, env model.Environment, params map[string]string) (*model.Policy, error) {
	tpl, err := m.store.Templates().Get(ctx, templateID)
	if err != nil {
		return nil, err
	}

	var missing []common.FieldError
	source := tpl.Source
	for _, p := range tpl.Parameters {
		value, ok := params[p]
		if !ok || value == "" {
			missing = append(missing, common.FieldError{Path: "params." + p, Reason: "required"})
			continue
		}
		source = strings.ReplaceAll(source, fmt.Sprintf("${%s}", p), value)
	}
	if len(missing) > 0 {
		return nil, common.Validation("missing template parameters", missing...)
	}

	if name == "" {
		name = tpl.Name
	}
	if env == "" {
		env = model.Sandbox
	}

	return m.Create(ctx, actor, &model.Policy{
		Name:        name,
		Description: tpl.Description,
		Source:      source,
		Effect:      tpl.Effect,
		Folder:      model.FolderDrafts,
		Environment: env,
	})
}
