//
//  Copyright © Control Core Inc. All rights reserved.
//

package gitsync

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/controlcore/controlplane/pkg/core/model"
)

// Repository layout: one rego file per policy under the environment
// folder, plus a metadata sidecar used to reconstruct the row on pull.
//
//	policies/sandbox/<id>.rego
//	policies/production/<id>.rego
//	metadata/<id>.json
const (
	policiesDir = "policies"
	metadataDir = "metadata"
	regoSuffix  = ".rego"
)

func policyPath(env model.Environment, id string) string {
	return path.Join(policiesDir, string(env), id+regoSuffix)
}

func metadataPath(id string) string {
	return path.Join(metadataDir, id+".json")
}

func policyIDFromPath(p string) string {
	return strings.TrimSuffix(path.Base(p), regoSuffix)
}

// policyMetadata is the sidecar document accompanying each policy file.
type policyMetadata struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Effect      model.Effect     `json:"effect"`
	Folder      model.Folder     `json:"folder"`
	Resources   model.StringList `json:"resources,omitempty"`
}

func encodeMetadata(policy *model.Policy) ([]byte, error) {
	return json.MarshalIndent(policyMetadata{
		Name:        policy.Name,
		Description: policy.Description,
		Effect:      policy.Effect,
		Folder:      policy.Folder,
		Resources:   policy.Resources,
	}, "", "  ")
}

// decodeMetadata tolerates a missing or malformed sidecar so that
// hand-added files still import with sane defaults.
func decodeMetadata(id string, raw []byte) policyMetadata {
	meta := policyMetadata{
		Name:   id,
		Effect: model.EffectPermit,
		Folder: model.FolderDrafts,
	}
	if len(raw) == 0 {
		return meta
	}
	var parsed policyMetadata
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return meta
	}
	if parsed.Name != "" {
		meta.Name = parsed.Name
	}
	meta.Description = parsed.Description
	if parsed.Effect.Valid() {
		meta.Effect = parsed.Effect
	}
	if parsed.Folder.Valid() {
		meta.Folder = parsed.Folder
	}
	meta.Resources = parsed.Resources
	return meta
}
