//
//  Copyright © Control Core Inc. All rights reserved.
//

package bundle

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/model"
)

// Storage persists bundle artifacts on the filesystem, addressed by
// tenant and content version.  Writes are idempotent; an existing
// artifact for a version is by construction identical and left alone.
type Storage struct {
	dir string
}

// NewStorage creates a Storage rooted at dir.
func NewStorage(dir string) *Storage {
	return &Storage{dir: dir}
}

// NewStorageFromConfig roots the storage at the configured bundles
// directory.
func NewStorageFromConfig() *Storage {
	return NewStorage(config.VConfig.GetString(config.BundlesDir))
}

func (s *Storage) path(tenantID, version string) string {
	return filepath.Join(s.dir, tenantID, version+".json")
}

// Write persists the artifact unless it is already present.
func (s *Storage) Write(tenantID string, artifact *model.BundleArtifact) error {
	path := s.path(tenantID, artifact.Version)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return common.WrapError(common.KindInternal, "creating bundle directory", err)
	}

	raw, err := json.Marshal(artifact)
	if err != nil {
		return common.WrapError(common.KindInternal, "serializing bundle artifact", err)
	}

	// write-then-rename so a crashed writer never leaves a partial
	// artifact at the addressed path
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return common.WrapError(common.KindInternal, "writing bundle artifact", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return common.WrapError(common.KindInternal, "publishing bundle artifact", err)
	}
	return nil
}

// Read loads the artifact for the version.
func (s *Storage) Read(tenantID, version string) (*model.BundleArtifact, error) {
	raw, err := os.ReadFile(s.path(tenantID, version))
	if os.IsNotExist(err) {
		return nil, common.NotFound("bundle artifact")
	}
	if err != nil {
		return nil, common.WrapError(common.KindInternal, "reading bundle artifact", err)
	}

	var artifact model.BundleArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, common.WrapError(common.KindInternal, "decoding bundle artifact", err)
	}
	return &artifact, nil
}
