//
//  Copyright © Control Core Inc. All rights reserved.
//

package sqldb

import (
	"github.com/controlcore/controlplane/pkg/core/store"
)

// sqlStore wires the repositories to the shared connection.
type sqlStore struct {
	db *DB

	tenants       *tenantRepo
	policies      *policyRepo
	templates     *templateRepo
	resources     *resourceRepo
	peps          *pepRepo
	pepConfigs    *pepConfigRepo
	pips          *pipRepo
	bundles       *bundleRepo
	audit         *auditRepo
	credentials   *credentialRepo
	git           *gitRepo
	notifications *notificationRepo
}

func newStore(db *DB) *sqlStore {
	return &sqlStore{
		db:            db,
		tenants:       &tenantRepo{db: db},
		policies:      &policyRepo{db: db},
		templates:     &templateRepo{db: db},
		resources:     &resourceRepo{db: db},
		peps:          &pepRepo{db: db},
		pepConfigs:    &pepConfigRepo{db: db},
		pips:          &pipRepo{db: db},
		bundles:       &bundleRepo{db: db},
		audit:         &auditRepo{db: db},
		credentials:   &credentialRepo{db: db},
		git:           &gitRepo{db: db},
		notifications: &notificationRepo{db: db},
	}
}

func (s *sqlStore) Tenants() store.Tenants               { return s.tenants }
func (s *sqlStore) Policies() store.Policies             { return s.policies }
func (s *sqlStore) Templates() store.Templates           { return s.templates }
func (s *sqlStore) Resources() store.Resources           { return s.resources }
func (s *sqlStore) PEPs() store.PEPs                     { return s.peps }
func (s *sqlStore) PEPConfigs() store.PEPConfigs         { return s.pepConfigs }
func (s *sqlStore) PIPConnections() store.PIPConnections { return s.pips }
func (s *sqlStore) Bundles() store.Bundles               { return s.bundles }
func (s *sqlStore) Audit() store.Audit                   { return s.audit }
func (s *sqlStore) Credentials() store.Credentials       { return s.credentials }
func (s *sqlStore) Git() store.Git                       { return s.git }
func (s *sqlStore) Notifications() store.Notifications   { return s.notifications }

func (s *sqlStore) Close() error { return s.db.Close() }
