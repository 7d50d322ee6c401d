// Package agentd implements the daemon that runs inside every sandbox. It is
// only reachable through the vsock bridge and exposes the narrow surface the
// host needs: a health probe and command execution.
package agentd

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"k8s.io/klog/v2"
)

// Config defines agent daemon configuration.
type Config struct {
	// Port is the in-guest TCP port the agent listens on; the host reaches
	// it through the vsock CONNECT handshake.
	Port int
}

// Server is the in-guest HTTP server.
type Server struct {
	engine   *gin.Engine
	config   Config
	verifier *TokenVerifier
}

// NewServer creates the agent server. If no public key is configured the
// exec endpoint accepts unauthenticated requests; the vsock channel is then
// the only access control.
func NewServer(config Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())

	verifier := NewTokenVerifier()
	if err := verifier.LoadPublicKeyFromEnv(); err != nil {
		klog.Warningf("execution token verification disabled: %v", err)
	}

	s := &Server{
		engine:   engine,
		config:   config,
		verifier: verifier,
	}

	// Health check needs no token; the pool polls it during boot.
	engine.GET("/health", HealthHandler)
	engine.POST("/exec", verifier.Middleware(), s.ExecHandler)

	return s
}

// Run starts the server. h2c lets the host upgrade to HTTP/2 over the
// cleartext vsock channel.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	klog.Infof("agentd listening on %s", addr)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(s.engine, &http2.Server{}),
	}
	return httpServer.ListenAndServe()
}

// HealthHandler answers the boot-poll and liveness probes.
func HealthHandler(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}
