// Package pprof serves runtime profiles on a separate debug listener.
package pprof

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/go-chi/chi/v5"
)

const Prefix = "/debug/pprof"

// ErrInsecureBind is returned for a non-loopback address without a token.
var ErrInsecureBind = errors.New("pprof: non-loopback address requires a token")

// CheckBind refuses to expose profiles beyond loopback without a token.
func CheckBind(addr, token string) error {
	if strings.TrimSpace(token) != "" || isLoopbackAddr(addr) {
		return nil
	}
	return ErrInsecureBind
}

// Handler returns the profile endpoints under Prefix, guarded by token
// when one is set. The token is accepted as ?token= or a Bearer header.
func Handler(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(withAuth(token))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get(Prefix, func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, Prefix+"/", http.StatusPermanentRedirect)
	})
	// Index also serves named profiles such as /goroutine and /heap.
	r.HandleFunc(Prefix+"/*", hpprof.Index)
	r.HandleFunc(Prefix+"/cmdline", hpprof.Cmdline)
	r.HandleFunc(Prefix+"/profile", hpprof.Profile)
	r.HandleFunc(Prefix+"/symbol", hpprof.Symbol)
	r.HandleFunc(Prefix+"/trace", hpprof.Trace)
	return r
}

func withAuth(token string) func(http.Handler) http.Handler {
	tok := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		if len(tok) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if subtle.ConstantTimeCompare([]byte(got), tok) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
