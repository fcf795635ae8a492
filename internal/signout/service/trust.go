package service

import (
	"strings"

	id "signout/pkg/domain"
)

// TrustPolicy decides which applications may sign users out of this one.
// Tenant overrides are matched case-insensitively.
type TrustPolicy struct {
	global    map[id.AppID]struct{}
	perTenant map[string]map[id.AppID]struct{}
}

func NewTrustPolicy(global []string, perTenant map[string][]string) *TrustPolicy {
	p := &TrustPolicy{
		global:    toSet(global),
		perTenant: make(map[string]map[id.AppID]struct{}, len(perTenant)),
	}
	for tenant, apps := range perTenant {
		p.perTenant[strings.ToLower(tenant)] = toSet(apps)
	}
	return p
}

func (p *TrustPolicy) IsTrusted(tenantID id.TenantID, app id.AppID) bool {
	if p == nil || app.IsNil() {
		return false
	}
	if _, ok := p.global[app]; ok {
		return true
	}
	_, ok := p.perTenant[strings.ToLower(tenantID.String())][app]
	return ok
}

func toSet(apps []string) map[id.AppID]struct{} {
	set := make(map[id.AppID]struct{}, len(apps))
	for _, a := range apps {
		if a = strings.TrimSpace(a); a != "" {
			set[id.AppID(a)] = struct{}{}
		}
	}
	return set
}
