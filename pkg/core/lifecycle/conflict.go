//
//  Copyright © Control Core Inc. All rights reserved.
//

package lifecycle

import (
	"context"
	"fmt"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/opa"
)

// Conflict kinds reported by the static scan.
const (
	ConflictPackageCollision = "package-collision"
	ConflictEffectContention = "effect-contention"
	ConflictDuplicateDeny    = "duplicate-deny"
)

// ConflictCheck scans the other enabled policies in the same environment
// for static conflicts with the given policy.  The scan is advisory and
// never blocks a save; callers surface the report to operators as-is.
func (m *Manager) ConflictCheck(ctx context.Context, actor *model.Actor, policy *model.Policy) (*model.ConflictReport, error) {
	report := &model.ConflictReport{PolicyID: policy.ID}

	env := policy.Environment
	if env == "" {
		env = model.Sandbox
	}
	others, err := m.store.Policies().ListEligible(ctx, actor.TenantID, env)
	if err != nil {
		return nil, err
	}

	pkg, err := opa.PackageOf(policy.Source)
	if err != nil {
		return nil, common.WrapError(common.KindValidation, "policy source has no package declaration", err)
	}
	sourceHash := common.HashString(policy.Source)

	for _, other := range others {
		if other.ID == policy.ID {
			continue
		}

		overlap, resource := resourceOverlap(policy.Resources, other.Resources)
		if !overlap {
			continue
		}

		if otherPkg, err := opa.PackageOf(other.Source); err == nil && otherPkg == pkg {
			report.Conflicts = append(report.Conflicts, model.Conflict{
				OtherPolicyID: other.ID,
				Resource:      resource,
				Kind:          ConflictPackageCollision,
				Detail:        fmt.Sprintf("both policies declare package %s", pkg),
			})
		}

		switch {
		case policy.Effect == model.EffectDeny && other.Effect == model.EffectDeny &&
			common.HashString(other.Source) == sourceHash:
			report.Conflicts = append(report.Conflicts, model.Conflict{
				OtherPolicyID: other.ID,
				Resource:      resource,
				Kind:          ConflictDuplicateDeny,
				Detail:        "identical deny rule already targets this resource",
			})
		case opposed(policy.Effect, other.Effect):
			report.Conflicts = append(report.Conflicts, model.Conflict{
				OtherPolicyID: other.ID,
				Resource:      resource,
				Kind:          ConflictEffectContention,
				Detail:        fmt.Sprintf("%s and %s policies target the same resource", policy.Effect, other.Effect),
			})
		}
	}

	return report, nil
}

func opposed(a, b model.Effect) bool {
	return (a == model.EffectPermit && b == model.EffectDeny) ||
		(a == model.EffectDeny && b == model.EffectPermit)
}

// resourceOverlap reports whether the two target sets can apply to the
// same resource.  An empty set targets everything.
func resourceOverlap(a, b model.StringList) (bool, string) {
	if len(a) == 0 && len(b) == 0 {
		return true, "*"
	}
	if len(a) == 0 {
		return true, b[0]
	}
	if len(b) == 0 {
		return true, a[0]
	}
	for _, r := range a {
		if b.Contains(r) {
			return true, r
		}
	}
	return false, ""
}
