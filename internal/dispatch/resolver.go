package dispatch

import (
	"context"
	"strings"

	"signout/internal/platform/config"
	"signout/internal/signout/models"
	id "signout/pkg/domain"
)

type staticPeer struct {
	endpoint models.AppEndpoint
	tenants  map[string]struct{}
}

// StaticResolver answers from the configured peer list. A peer without a
// tenant list takes part for every tenant.
type StaticResolver struct {
	self  id.AppID
	peers []staticPeer
}

func NewStaticResolver(self id.AppID, peers []config.Peer) *StaticResolver {
	r := &StaticResolver{self: self}
	for _, p := range peers {
		sp := staticPeer{endpoint: models.AppEndpoint{AppID: id.AppID(p.AppID), URL: p.URL}}
		if len(p.Tenants) > 0 {
			sp.tenants = make(map[string]struct{}, len(p.Tenants))
			for _, t := range p.Tenants {
				sp.tenants[strings.ToLower(t)] = struct{}{}
			}
		}
		r.peers = append(r.peers, sp)
	}
	return r
}

func (r *StaticResolver) ResolveRecipients(_ context.Context, tenantID id.TenantID) ([]models.AppEndpoint, error) {
	var out []models.AppEndpoint
	tenant := strings.ToLower(tenantID.String())
	for _, p := range r.peers {
		if p.endpoint.AppID == r.self {
			continue
		}
		if p.tenants != nil {
			if _, ok := p.tenants[tenant]; !ok {
				continue
			}
		}
		out = append(out, p.endpoint)
	}
	return out, nil
}
