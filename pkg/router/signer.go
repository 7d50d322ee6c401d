package router

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// RSA key size for token signing
	rsaKeySize = 2048
	// execution token expiration time
	tokenExpiration = 5 * time.Minute
)

// TokenSigner mints short-lived execution tokens. The token travels with the
// job into the sandbox; the in-guest agent verifies it against the matching
// public key before running anything.
type TokenSigner struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// NewTokenSigner creates a signer with a fresh RSA key pair.
func NewTokenSigner() (*TokenSigner, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
	}

	return &TokenSigner{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
	}, nil
}

// NewTokenSignerFromFile loads an existing PEM private key, so restarts keep
// issuing tokens that running sandboxes still accept.
func NewTokenSignerFromFile(keyFile string) (*TokenSigner, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		pkcs8Key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("failed to parse private key: %v (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		key, ok = pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not RSA private key")
		}
	}

	return &TokenSigner{
		privateKey: key,
		publicKey:  &key.PublicKey,
	}, nil
}

// GenerateToken signs a token carrying the given claims.
func (ts *TokenSigner) GenerateToken(claims map[string]interface{}) (string, error) {
	jwtClaims := jwt.MapClaims{
		"exp": time.Now().Add(tokenExpiration).Unix(),
		"iat": time.Now().Unix(),
		"iss": "modhive-router",
	}
	for k, v := range claims {
		jwtClaims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwtClaims)

	tokenString, err := token.SignedString(ts.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// PublicKeyPEM returns the public key in PEM format.
func (ts *TokenSigner) PublicKeyPEM() ([]byte, error) {
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(ts.publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubKeyBytes,
	}), nil
}

// PublicKeyBase64 returns the PEM public key base64 wrapped, the format the
// in-guest agent reads from its environment.
func (ts *TokenSigner) PublicKeyBase64() (string, error) {
	pemBytes, err := ts.PublicKeyPEM()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pemBytes), nil
}
