// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
)

// TenantLimits holds the quota table for one tenant: an optional default
// plus per-resource (model/voice) overrides.
type TenantLimits struct {
	Default   Limit            `yaml:"default" json:"default"`
	Resources map[string]Limit `yaml:"resources" json:"resources"`
}

// TableLoader resolves limits from an in-memory quota table, typically
// populated from the YAML config at startup.
type TableLoader struct {
	// Default applies to tenants absent from the table.
	Default Limit

	// Tenants maps tenant ID to its quota table.
	Tenants map[string]TenantLimits
}

// Limits resolves the most specific configured limit: tenant+resource,
// then tenant default, then global default.
func (t *TableLoader) Limits(ctx context.Context, tenant, resource string) (Limit, error) {
	if tl, ok := t.Tenants[tenant]; ok {
		if limit, ok := tl.Resources[resource]; ok && limit.valid() {
			return limit, nil
		}
		if tl.Default.valid() {
			return tl.Default, nil
		}
	}
	return t.Default, nil
}
