package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

func TestRoutePolicies_LongestPrefixWins(t *testing.T) {
	fn := RoutePolicies(
		domain.Policy{Window: time.Minute, MaxPoints: 100},
		[]RoutePolicy{
			{Prefix: "/api", Policy: domain.Policy{Window: time.Minute, MaxPoints: 50}},
			{Prefix: "/api/upload", Policy: domain.Policy{Name: "upload", Window: time.Hour, MaxPoints: 10, Cost: 5}},
			{Prefix: "", Policy: domain.Policy{MaxPoints: 1}},
		},
	)

	cases := []struct {
		path     string
		wantName string
		wantMax  int
		wantCost int
	}{
		{"/api/upload/file", "upload", 10, 5},
		{"/api/users", "/api", 50, 1},
		{"/health", "default", 100, 1},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "http://example"+tc.path, nil)
		p := fn(r)
		if p.Name != tc.wantName || p.MaxPoints != tc.wantMax || p.Cost != tc.wantCost {
			t.Fatalf("%s: got %+v", tc.path, p)
		}
	}
}
