//
//  Copyright © Control Core Inc. All rights reserved.
//

package model

import "time"

// AuditEntry is one append-only audit record, identified by
// (TenantID, ID).  Entries are never updated or physically removed inside
// the retention window.
type AuditEntry struct {
	ID          string      `db:"id" json:"id"`
	TenantID    string      `db:"tenant_id" json:"tenant_id"`
	Environment Environment `db:"environment" json:"environment"`
	Type        AuditType   `db:"type" json:"type"`
	Actor       string      `db:"actor" json:"actor"`

	// Producer identifies the writer for per-producer ordering guarantees.
	Producer string `db:"producer" json:"producer"`
	Seq      int64  `db:"seq" json:"seq"`

	Payload   JSONMap   `db:"payload" json:"payload"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DecisionRequest is the input to the decision engine, submitted by a PEP.
type DecisionRequest struct {
	Subject  map[string]interface{} `json:"subject"`
	Resource string                 `json:"resource"`
	Action   string                 `json:"action"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// DecisionResponse is the decision engine's answer.
type DecisionResponse struct {
	Outcome         Outcome  `json:"outcome"`
	Reasons         []string `json:"reasons"`
	MatchedPolicies []string `json:"matched_policies"`
	BundleVersion   string   `json:"bundle_version"`
	Cached          bool     `json:"cached"`

	// Degraded marks fail-policy fallback outcomes.  They are never
	// cached, so recovery takes effect on the next request.
	Degraded bool `json:"degraded,omitempty"`
}

// DecisionRecord is the audit payload for one decision.
type DecisionRecord struct {
	PEPID           string                 `json:"pep_id"`
	Environment     Environment            `json:"environment"`
	Subject         map[string]interface{} `json:"subject"`
	Resource        string                 `json:"resource"`
	Action          string                 `json:"action"`
	Context         map[string]interface{} `json:"context,omitempty"`
	BundleVersion   string                 `json:"bundle_version"`
	Outcome         Outcome                `json:"outcome"`
	Reasons         []string               `json:"reasons"`
	MatchedPolicies []string               `json:"matched_policies"`
	Cached          bool                   `json:"cached"`
	LatencyMicros   int64                  `json:"latency_micros"`
}
