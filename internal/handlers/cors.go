package handlers

import (
	"net/http"
	"os"
	"strconv"
	"strings"
)

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// LoadCORSConfigFromEnv reads CORS_* variables. Watch streams need
// Last-Event-ID allowed and X-Stream-ID exposed, so both are in the defaults.
func LoadCORSConfigFromEnv() CORSConfig {
	return CORSConfig{
		Enabled:          envBool("CORS_ENABLED", true),
		AllowedOrigins:   splitList(getEnvDefault("CORS_ALLOWED_ORIGINS", "*")),
		AllowedMethods:   splitList(getEnvDefault("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS")),
		AllowedHeaders:   splitList(getEnvDefault("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,Last-Event-ID")),
		ExposedHeaders:   splitList(getEnvDefault("CORS_EXPOSED_HEADERS", "X-Stream-ID")),
		AllowCredentials: envBool("CORS_ALLOW_CREDENTIALS", false),
		MaxAge:           envInt("CORS_MAX_AGE", 600),
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvDefault(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(k)); err == nil {
		return b
	}
	return d
}

func envInt(k string, d int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return n
	}
	return d
}

// CORSMiddleware returns a mux middleware that adds CORS headers and answers preflight requests
func CORSMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}

		allowedMethods := strings.Join(cfg.AllowedMethods, ", ")
		allowedHeaders := strings.Join(cfg.AllowedHeaders, ", ")
		exposedHeaders := strings.Join(cfg.ExposedHeaders, ", ")
		wildcard := len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*"

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowOrigin := ""
			if wildcard && !cfg.AllowCredentials {
				allowOrigin = "*"
			} else {
				for _, o := range cfg.AllowedOrigins {
					if o == origin {
						allowOrigin = origin
						break
					}
				}
			}

			if allowOrigin == "" {
				w.WriteHeader(http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			if cfg.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			if exposedHeaders != "" {
				w.Header().Set("Access-Control-Expose-Headers", exposedHeaders)
			}
			w.Header().Set("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
