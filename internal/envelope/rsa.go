package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"

	"github.com/pkg/errors"
)

// ParseRSAPublicKey parses the vendor's base64 DER encoded RSA public key.
func ParseRSAPublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode public key")
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse public key")
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaPub, nil
}

// wrapKey encrypts the raw session key bytes under the server's public key so
// that only the server can unwrap it. Returns base64.
func wrapKey(pub *rsa.PublicKey, key []byte) (string, error) {
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, key)
	if err != nil {
		return "", errors.Wrap(err, "failed to rsa encrypt session key")
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}
