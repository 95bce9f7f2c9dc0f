package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type CORSConfig struct {
	Enabled          bool          `yaml:"enabled"`
	AllowedOrigins   []string      `yaml:"allowedOrigins"`
	AllowedMethods   []string      `yaml:"allowedMethods"`
	AllowedHeaders   []string      `yaml:"allowedHeaders"`
	ExposedHeaders   []string      `yaml:"exposedHeaders"`
	AllowCredentials bool          `yaml:"allowCredentials"`
	MaxAge           time.Duration `yaml:"maxAge"`
}

// CORSMiddleware applies CORS headers for browser clients.
func CORSMiddleware(cfg CORSConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	conf := cors.Config{
		AllowMethods:     cfg.AllowedMethods,
		AllowHeaders:     cfg.AllowedHeaders,
		ExposeHeaders:    cfg.ExposedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	}
	if len(conf.AllowMethods) == 0 {
		conf.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(conf.AllowHeaders) == 0 {
		conf.AllowHeaders = []string{"Origin", "Content-Type", "Prefer-Push", "Url", traceIDHeader, requestIDHeader}
	}
	if len(conf.ExposeHeaders) == 0 {
		conf.ExposeHeaders = []string{traceIDHeader, requestIDHeader}
	}
	if len(cfg.AllowedOrigins) == 0 || containsWildcard(cfg.AllowedOrigins) {
		conf.AllowAllOrigins = true
		conf.AllowCredentials = false
	} else {
		conf.AllowOrigins = cfg.AllowedOrigins
	}
	return cors.New(conf)
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
