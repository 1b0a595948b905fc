package web

import (
	"net/http"

	"github.com/JonMunkholm/fileparse/internal/web/middleware"
)

// callerID is the authenticated user behind r. Routes under /files always
// run behind the Bearer middleware, so it is only empty on public routes.
func callerID(r *http.Request) string {
	return middleware.UserID(r.Context())
}
