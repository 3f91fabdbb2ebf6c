// Package middleware contains shared Gin middleware used by the broadcast
// server's HTTP surface.
//
// This file enforces the server's trust boundary: the broadcast server is a
// local companion process, so every peer must originate from the loopback
// address. The listener already binds 127.0.0.1, but the guard also covers
// configurations where the bind address is widened (or the process sits
// behind a forwarder), and it is what the contract tests exercise.
package middleware

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Loopback rejects any request whose peer address is not a loopback
// address with HTTP 403. Rejected peers never reach the handler, so they
// are never registered as broadcast clients.
func Loopback() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !remoteIsLoopback(c.Request.RemoteAddr) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "forbidden",
				"message": "local connections only",
			})
			return
		}
		c.Next()
	}
}

// remoteIsLoopback reports whether addr ("host:port" or bare host) is a
// loopback address.
func remoteIsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
