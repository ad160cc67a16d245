package middleware

import (
	"net/http"
	"strings"

	"github.com/nppsupply/velocity/internal/auth"

	"github.com/google/uuid"
)

// DistributorScopeHeader names the header carrying the caller's
// distributor scope, set by the gateway in front of this service.
const DistributorScopeHeader = "X-Distributor-Id"

// DistributorScopeMiddleware copies the gateway-asserted distributor scope
// into the request context. Requests without the header stay unscoped.
func DistributorScopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := strings.TrimSpace(r.Header.Get(DistributorScopeHeader)); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				http.Error(w, "invalid distributor scope header", http.StatusBadRequest)
				return
			}
			r = r.WithContext(auth.ContextWithDistributorID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
