package viewer

import (
	"net/http"
	"net/url"
	"strings"
)

// sameOrigin refuses requests a browser sent on behalf of another site.
func sameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowedOrigin(r) {
			log.Warnf("refused %s %s from origin %q", r.Method, r.URL.Path, r.Header.Get("Origin"))
			http.Error(w, "cross-origin request refused", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOrigin accepts requests without an Origin header (non-browser
// clients) and those whose Origin names the host they were sent to.
func allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
