package agentd

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// PublicKeyEnv carries the base64-encoded PEM public key matching the
// host-side execution token signer. It is injected when the rootfs is built.
const PublicKeyEnv = "AGENTD_PUBLIC_KEY"

// TokenVerifier validates per-execution JWTs minted by the host router.
type TokenVerifier struct {
	mu        sync.RWMutex
	publicKey *rsa.PublicKey
}

// NewTokenVerifier creates a verifier with no key loaded.
func NewTokenVerifier() *TokenVerifier {
	return &TokenVerifier{}
}

// LoadPublicKeyFromEnv loads the verification key from PublicKeyEnv.
func (tv *TokenVerifier) LoadPublicKeyFromEnv() error {
	keyB64 := os.Getenv(PublicKeyEnv)
	if keyB64 == "" {
		return fmt.Errorf("%s environment variable is not set", PublicKeyEnv)
	}

	data, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return fmt.Errorf("decode %s: %w", PublicKeyEnv, err)
	}
	return tv.SetPublicKeyPEM(data)
}

// SetPublicKeyPEM installs a PEM-encoded PKIX public key.
func (tv *TokenVerifier) SetPublicKeyPEM(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("failed to decode public key PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("public key is not RSA")
	}

	tv.mu.Lock()
	defer tv.mu.Unlock()
	tv.publicKey = rsaKey
	return nil
}

func (tv *TokenVerifier) key() *rsa.PublicKey {
	tv.mu.RLock()
	defer tv.mu.RUnlock()
	return tv.publicKey
}

// Middleware rejects requests without a valid Bearer token. When no key is
// configured, verification is disabled and every request passes.
func (tv *TokenVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := tv.key()
		if key == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			c.Abort()
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid execution token"})
			c.Abort()
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if domainID, ok := claims["domainId"].(string); ok {
				c.Set("domainId", domainID)
			}
		}
		c.Next()
	}
}
