package ratelimit

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/domain"
)

type recordView struct {
	Key       string    `json:"key"`
	Points    int       `json:"points"`
	Expire    *int64    `json:"expire"`
	Expired   bool      `json:"expired"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InspectHandler é o endpoint admin somente leitura: GET ?key=<chave armazenada>.
// A chave é a já namespaced ("<policy>:<client>").
func InspectHandler(svc application.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		key := domain.Key(r.URL.Query().Get("key"))
		rec, err := svc.Peek(r.Context(), key)
		switch {
		case errors.Is(err, domain.ErrInvalidArgument):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		case rec == nil:
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(recordView{
			Key:       string(rec.Key),
			Points:    rec.Points,
			Expire:    rec.Expire,
			Expired:   rec.Expired(svc.NowMs()),
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	})
}
