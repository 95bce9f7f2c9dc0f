package middleware

import (
	"context"
	"fmt"
	"time"

	"codejudge/internal/common/ratelimit"
	"codejudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// RateLimitPolicy sets per-client and per-route budgets for one window.
// Zero disables the corresponding check.
type RateLimitPolicy struct {
	Window   time.Duration `yaml:"window"`
	IPMax    int           `yaml:"ipMax"`
	RouteMax int           `yaml:"routeMax"`

	// OnReject, when set, is called for every rejected request.
	OnReject func(ctx context.Context, routeKey string) `yaml:"-"`
}

// RateLimitMiddleware enforces the policy for routeKey.
func RateLimitMiddleware(limiter ratelimit.Limiter, routeKey string, policy RateLimitPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		window := policy.Window
		if window <= 0 {
			window = time.Minute
		}

		if policy.IPMax > 0 {
			key := fmt.Sprintf("judge:rate:ip:%s:%s", c.ClientIP(), routeKey)
			if err := limiter.Allow(c.Request.Context(), key, policy.IPMax, window); err != nil {
				reject(c, policy, routeKey, err)
				return
			}
		}

		if policy.RouteMax > 0 {
			key := fmt.Sprintf("judge:rate:route:%s", routeKey)
			if err := limiter.Allow(c.Request.Context(), key, policy.RouteMax, window); err != nil {
				reject(c, policy, routeKey, err)
				return
			}
		}

		c.Next()
	}
}

func reject(c *gin.Context, policy RateLimitPolicy, routeKey string, err error) {
	if policy.OnReject != nil {
		policy.OnReject(c.Request.Context(), routeKey)
	}
	response.AbortWithError(c, err)
}
