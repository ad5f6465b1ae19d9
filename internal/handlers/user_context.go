package handlers

import (
	"gasless-backend/internal/types"

	"github.com/gin-gonic/gin"
)

// UserFromContext extracts the authenticated user reference set by the auth
// middleware's RequireAuth.
func UserFromContext(c *gin.Context) (types.UserRef, bool) {
	userID, ok := c.Get("user_id")
	if !ok {
		return types.UserRef{}, false
	}
	accountIndex, ok := c.Get("account_index")
	if !ok {
		return types.UserRef{}, false
	}
	return types.UserRef{
		UserID:       userID.(string),
		AccountIndex: accountIndex.(uint32),
	}, true
}
