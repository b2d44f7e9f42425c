//
//  Copyright © Control Core Inc. All rights reserved.
//

package model

import (
	"database/sql/driver"
	"time"
)

// Bundle is a published bundle manifest row, identified by
// (TenantID, PEPID, Version).  Immutable once published.
type Bundle struct {
	TenantID    string      `db:"tenant_id" json:"tenant_id"`
	PEPID       string      `db:"pep_id" json:"pep_id"`
	Environment Environment `db:"environment" json:"environment"`

	// Version is the content hash of the sorted module contents plus the
	// data manifest.  Identical inputs always produce identical versions.
	Version string `db:"version" json:"version"`

	// Sequence is the per-PEP monotonic publication counter; a newer
	// bundle always has a strictly greater sequence.
	Sequence int64 `db:"sequence" json:"sequence"`

	// PolicyIDs are the source policies, sorted.
	PolicyIDs StringList `db:"policy_ids" json:"policy_ids"`

	// DataManifest lists the PIP collections consumed during evaluation.
	DataManifest DataManifest `db:"data_manifest" json:"data_manifest"`

	// Checksum is the SHA-256 of the serialized artifact, validated by the
	// PEP before loading.
	Checksum string `db:"checksum" json:"checksum"`

	BuiltAt time.Time `db:"built_at" json:"built_at"`
}

// DataManifest is an ordered list of PIP collection references.
type DataManifest []DataRef

// DataRef names one PIP collection a bundle depends on.
type DataRef struct {
	ConnectionID  string `json:"connection_id"`
	AttributePath string `json:"attribute_path"`
	TTLSeconds    int    `json:"ttl_seconds"`
}

// Value implements driver.Valuer.
func (d DataManifest) Value() (driver.Value, error) {
	return jsonValue(d)
}

// Scan implements sql.Scanner.
func (d *DataManifest) Scan(src interface{}) error {
	return scanJSON(src, d)
}

// BundleArtifact is the serialized form served to PEPs.
type BundleArtifact struct {
	Version      string            `json:"version"`
	Environment  Environment       `json:"environment"`
	Modules      map[string]string `json:"modules"`
	DataManifest DataManifest      `json:"data_manifest"`
	PolicyIDs    []string          `json:"policy_ids"`
	BuiltAt      time.Time         `json:"built_at"`
	Checksum     string            `json:"checksum"`
}
