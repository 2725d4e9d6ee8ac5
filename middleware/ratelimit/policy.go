package ratelimit

import (
	"net/http"
	"sort"
	"strings"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

// RoutePolicy aplica Policy às rotas que começam com Prefix.
type RoutePolicy struct {
	Prefix string
	Policy domain.Policy
}

// RoutePolicies escolhe a política do prefixo mais longo que casa com o path;
// sem match usa def. Políticas sem nome recebem o prefixo como nome, então
// cada rota tem seu próprio orçamento.
func RoutePolicies(def domain.Policy, routes []RoutePolicy) PolicyFunc {
	def = withPolicyDefaults(def)

	sorted := make([]RoutePolicy, 0, len(routes))
	for _, rp := range routes {
		if rp.Prefix == "" {
			continue
		}
		if rp.Policy.Name == "" {
			rp.Policy.Name = rp.Prefix
		}
		rp.Policy = withPolicyDefaults(rp.Policy)
		sorted = append(sorted, rp)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	return func(r *http.Request) domain.Policy {
		path := r.URL.Path
		for _, rp := range sorted {
			if strings.HasPrefix(path, rp.Prefix) {
				return rp.Policy
			}
		}
		return def
	}
}
