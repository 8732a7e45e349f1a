package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/doc-translator/internal/api/respond"
)

// OwnerHeader carries the caller identity set by the upstream auth layer.
const OwnerHeader = "X-User-ID"

const ownerKey = "owner"

// CORSMiddleware allows browser clients from any origin.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *ginext.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+OwnerHeader)
		c.Header("Access-Control-Expose-Headers", "Content-Disposition")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Owner rejects requests without an owner identity and stores it for handlers.
func Owner() gin.HandlerFunc {
	return func(c *ginext.Context) {
		owner := strings.TrimSpace(c.GetHeader(OwnerHeader))
		if owner == "" {
			respond.Abort(c, http.StatusUnauthorized, errors.New("missing "+OwnerHeader+" header"))
			return
		}

		c.Set(ownerKey, owner)
		c.Next()
	}
}

// OwnerFrom returns the identity stored by Owner.
func OwnerFrom(c *ginext.Context) string {
	return c.GetString(ownerKey)
}
