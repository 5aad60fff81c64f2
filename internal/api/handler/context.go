package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/kwikr/billing-core/internal/auth"
)

const actorContextKey = "auth_actor"

// SetActor stores the authenticated actor on the request context.
func SetActor(c *gin.Context, actor auth.Actor) {
	c.Set(actorContextKey, actor)
}

func actorFrom(c *gin.Context) auth.Actor {
	v, _ := c.Get(actorContextKey)
	actor, _ := v.(auth.Actor)
	return actor
}
