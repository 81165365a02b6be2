package extinstall

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

const keyBits = 2048

// loadOrCreateKey returns the RSA key persisted for keyID under keyStoreDir, generating
// and persisting a fresh 2048-bit key (PKCS8 PEM, mode 0600) the first time a given
// keyID is seen. The same source (same GitHub URL or upload manifest name) therefore
// always signs with, and is identified by, the same key.
func loadOrCreateKey(keyStoreDir, keyID string) (*rsa.PrivateKey, error) {
	path := keyStorePEMPath(keyStoreDir, keyID)

	if data, err := os.ReadFile(path); err == nil {
		return parsePKCS8PEM(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	if err := os.MkdirAll(keyStoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("create key store dir: %w", err)
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}

	return key, nil
}

func parsePKCS8PEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM key file")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8 key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key file does not contain an RSA key")
	}
	return rsaKey, nil
}
