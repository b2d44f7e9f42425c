//
//  Copyright © Control Core Inc. All rights reserved.
//

package model

import "time"

// Policy is an authored policy row, identified by (TenantID, ID).
//
// A production policy with PromotedFromSandbox set carries an immutable
// backward pointer to its sandbox ancestor in AncestorID.
type Policy struct {
	ID          string      `db:"id" json:"id"`
	TenantID    string      `db:"tenant_id" json:"tenant_id"`
	Name        string      `db:"name" json:"name"`
	Description string      `db:"description" json:"description,omitempty"`
	Source      string      `db:"source" json:"source"`
	Effect      Effect      `db:"effect" json:"effect"`
	Folder      Folder      `db:"folder" json:"folder"`
	Environment Environment `db:"environment" json:"environment"`

	// Resources is the target resource set, stored as identifiers only;
	// joins happen in the query layer.
	Resources StringList `db:"resources" json:"resources"`

	SandboxStatus    PromotionStatus `db:"sandbox_status" json:"sandbox_status"`
	ProductionStatus PromotionStatus `db:"production_status" json:"production_status"`

	PromotedFromSandbox bool       `db:"promoted_from_sandbox" json:"promoted_from_sandbox"`
	PromotedAt          *time.Time `db:"promoted_at" json:"promoted_at,omitempty"`
	PromotedBy          string     `db:"promoted_by" json:"promoted_by,omitempty"`
	AncestorID          string     `db:"ancestor_id" json:"ancestor_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Status returns the promotion status relevant to the policy's own
// environment.
func (p *Policy) Status() PromotionStatus {
	if p.Environment == Production {
		return p.ProductionStatus
	}
	return p.SandboxStatus
}

// Retired reports whether the policy is tombstoned in its environment.
func (p *Policy) Retired() bool {
	return p.Status() == StatusRetired
}

// Eligible reports whether the policy may be included in bundles.
func (p *Policy) Eligible() bool {
	return p.Folder == FolderEnabled && !p.Retired()
}

// PolicyPatch is a partial update to a policy.  Nil fields are untouched.
type PolicyPatch struct {
	Name        *string     `json:"name,omitempty"`
	Description *string     `json:"description,omitempty"`
	Source      *string     `json:"source,omitempty"`
	Effect      *Effect     `json:"effect,omitempty"`
	Folder      *Folder     `json:"folder,omitempty"`
	Resources   *StringList `json:"resources,omitempty"`
}

// PolicyTemplate is a public, immutable template corpus entry.  Templates
// carry no tenant scope and require no authentication to list.
type PolicyTemplate struct {
	ID          string     `db:"id" json:"id" yaml:"id"`
	Name        string     `db:"name" json:"name" yaml:"name"`
	Description string     `db:"description" json:"description" yaml:"description"`
	Category    string     `db:"category" json:"category" yaml:"category"`
	RiskLevel   string     `db:"risk_level" json:"risk_level" yaml:"risk_level"`
	Frameworks  StringList `db:"frameworks" json:"frameworks" yaml:"frameworks"`
	Parameters  StringList `db:"parameters" json:"parameters" yaml:"parameters"`
	Source      string     `db:"source" json:"source" yaml:"source"`
	Effect      Effect     `db:"effect" json:"effect" yaml:"effect"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at" yaml:"-"`
}

// ConflictReport is the advisory output of a static conflict scan.  It
// never blocks a save.
type ConflictReport struct {
	PolicyID  string     `json:"policy_id"`
	Conflicts []Conflict `json:"conflicts"`
}

// Conflict describes one static conflict between two policies.
type Conflict struct {
	OtherPolicyID string `json:"other_policy_id"`
	Resource      string `json:"resource"`
	Kind          string `json:"kind"`
	Detail        string `json:"detail"`
}
