package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mannmitra/rewards/utils"
)

// DailyActiveRecorder counts distinct authenticated users per calendar day
// in a redis HyperLogLog, feeding the stats endpoint. Recording happens
// after the handler so failed requests don't count; it is best-effort and
// never blocks or fails the request.
func DailyActiveRecorder(loc *time.Location) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		status := c.Writer.Status()
		if status < 200 || status >= 400 {
			return
		}
		userID, ok := c.Get(ContextUserIDKey)
		if !ok {
			return
		}

		rc := utils.GetRedis()
		key := "active:" + utils.DayStart(time.Now(), loc).Format("2006-01-02")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rc.PFAdd(ctx, key, userID).Err(); err == nil {
			// Keep yesterday around for late readers, then let the key lapse.
			rc.Expire(ctx, key, 48*time.Hour)
		}
	}
}
