//
//  Copyright © Control Core Inc. All rights reserved.
//

package model

import (
	"database/sql/driver"
	"strings"
	"time"
)

// Resource is a protected resource row, identified by
// (TenantID, ID, Environment).  The same logical resource may exist as two
// rows, one per environment.
type Resource struct {
	ID             string      `db:"id" json:"id"`
	TenantID       string      `db:"tenant_id" json:"tenant_id"`
	Environment    Environment `db:"environment" json:"environment"`
	Name           string      `db:"name" json:"name"`
	OriginalHost   string      `db:"original_host" json:"original_host"`
	ProductionHost string      `db:"production_host" json:"production_host,omitempty"`

	Fingerprints FingerprintRules `db:"fingerprints" json:"fingerprints"`

	Deleted   bool      `db:"deleted" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// FingerprintRules tag incoming traffic with a logical resource.  A rule
// matches when all of its non-empty criteria match.
type FingerprintRules []FingerprintRule

// FingerprintRule is one traffic-matching rule.
type FingerprintRule struct {
	PathPrefix string            `json:"path_prefix,omitempty"`
	Host       string            `json:"host,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Value implements driver.Valuer; stored as a JSON text column.
func (r FingerprintRules) Value() (driver.Value, error) {
	return jsonValue(r)
}

// Scan implements sql.Scanner.
func (r *FingerprintRules) Scan(src interface{}) error {
	return scanJSON(src, r)
}

// Matches reports whether the described traffic matches any rule.  Header
// names are compared case-insensitively.
func (r FingerprintRules) Matches(host, path string, headers map[string]string) bool {
	for _, rule := range r {
		if rule.matches(host, path, headers) {
			return true
		}
	}
	return false
}

func (rule FingerprintRule) matches(host, path string, headers map[string]string) bool {
	if rule.Host != "" && !strings.EqualFold(rule.Host, host) {
		return false
	}
	if rule.PathPrefix != "" && !strings.HasPrefix(path, rule.PathPrefix) {
		return false
	}
	for name, want := range rule.Headers {
		found := false
		for k, v := range headers {
			if strings.EqualFold(k, name) && v == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
