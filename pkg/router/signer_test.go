package router

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSignerRoundTrip(t *testing.T) {
	signer, err := NewTokenSigner()
	require.NoError(t, err)

	tokenString, err := signer.GenerateToken(map[string]interface{}{
		"domainId": "d1",
	})
	require.NoError(t, err)

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return signer.publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	require.True(t, token.Valid)

	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, "d1", claims["domainId"])
	assert.Equal(t, "modhive-router", claims["iss"])
}

func TestTokenSignerPublicKeyBase64(t *testing.T) {
	signer, err := NewTokenSigner()
	require.NoError(t, err)

	encoded, err := signer.PublicKeyBase64()
	require.NoError(t, err)

	pemBytes, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	block, _ := pem.Decode(pemBytes)
	require.NotNil(t, block)
	assert.Equal(t, "PUBLIC KEY", block.Type)

	_, err = x509.ParsePKIXPublicKey(block.Bytes)
	assert.NoError(t, err)
}

func TestNewTokenSignerFromFile(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	keyFile := filepath.Join(t.TempDir(), "private.pem")
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	signer, err := NewTokenSignerFromFile(keyFile)
	require.NoError(t, err)

	tokenString, err := signer.GenerateToken(nil)
	require.NoError(t, err)

	_, err = jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	assert.NoError(t, err)
}

func TestNewTokenSignerFromFileRejectsGarbage(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "private.pem")
	require.NoError(t, os.WriteFile(keyFile, []byte("not a key"), 0o600))

	_, err := NewTokenSignerFromFile(keyFile)
	assert.Error(t, err)
}
