package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/application"
)

func TestInspectHandler(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_000)}
	svc := newService(clock)
	if _, err := svc.Consume(context.Background(), "default:1.2.3.4", 2, time.Second, 5); err != nil {
		t.Fatalf("consume: %v", err)
	}
	h := InspectHandler(svc)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ratelimit?key=default:1.2.3.4", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view recordView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Points != 2 || view.Expire == nil || *view.Expire != 2_000 || view.Expired {
		t.Fatalf("unexpected view %+v", view)
	}

	clock.Advance(time.Second)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ratelimit?key=default:1.2.3.4", nil))
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !view.Expired {
		t.Fatalf("expected record to be reported as expired")
	}
}

func TestInspectHandler_Errors(t *testing.T) {
	h := InspectHandler(application.Service{Store: brokenStore{}})
	ok := InspectHandler(newService(&fakeClock{now: time.UnixMilli(0)}))

	cases := []struct {
		name   string
		h      http.Handler
		method string
		target string
		want   int
	}{
		{"missing key", ok, http.MethodGet, "/ratelimit", http.StatusBadRequest},
		{"absent", ok, http.MethodGet, "/ratelimit?key=nobody", http.StatusNotFound},
		{"wrong method", ok, http.MethodPost, "/ratelimit?key=x", http.StatusMethodNotAllowed},
		{"storage down", h, http.MethodGet, "/ratelimit?key=x", http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tc.h.ServeHTTP(w, httptest.NewRequest(tc.method, tc.target, nil))
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}
