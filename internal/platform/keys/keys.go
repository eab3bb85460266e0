// Package keys supplies the asymmetric key material used to sign OAuth2
// client assertions. Key material is read once at startup and is immutable
// for the lifetime of the process.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// MinRSABits is the smallest RSA modulus accepted for signing.
const MinRSABits = 2048

// ErrUnsupportedKey is returned when a key type or curve has no matching
// JWS signing algorithm.
var ErrUnsupportedKey = errors.New("unsupported key type")

// Identity is the single service identity used for every token exchange.
type Identity struct {
	ClientID   string
	KeyID      string
	PrivateKey crypto.Signer
}

// Algorithm returns the JWS algorithm matching the identity's key type.
func (id *Identity) Algorithm() (string, error) {
	if id == nil || id.PrivateKey == nil {
		return "", fmt.Errorf("%w: no private key", ErrUnsupportedKey)
	}
	return Algorithm(id.PrivateKey.Public())
}

// Source describes where the identity's key material lives.
type Source struct {
	ClientID       string
	PrivateKeyPath string
	// KeyID, when set, is used verbatim as the kid header.
	KeyID string
	// JWKSPath points at the published key set. When KeyID is empty the kid
	// of the entry matching the private key is used.
	JWKSPath string
}

// LoadIdentity reads the private key referenced by src and resolves its key
// identifier. Resolution order: explicit KeyID, matching JWKS entry, RFC 7638
// thumbprint of the public key.
func LoadIdentity(src Source) (*Identity, error) {
	if src.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	data, err := os.ReadFile(src.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", src.PrivateKeyPath, err)
	}
	if _, err := Algorithm(key.Public()); err != nil {
		return nil, err
	}

	kid := src.KeyID
	if kid == "" && src.JWKSPath != "" {
		set, err := ReadJWKS(src.JWKSPath)
		if err != nil {
			return nil, err
		}
		kid, err = set.KeyIDFor(key.Public())
		if err != nil {
			return nil, fmt.Errorf("resolving kid from %s: %w", src.JWKSPath, err)
		}
	}
	if kid == "" {
		kid, err = Thumbprint(key.Public())
		if err != nil {
			return nil, err
		}
	}

	return &Identity{
		ClientID:   src.ClientID,
		KeyID:      kid,
		PrivateKey: key,
	}, nil
}

// ParsePrivateKey decodes the first PEM block in data. PKCS#1 RSA, SEC1 EC
// and PKCS#8 encodings are accepted.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := parsed.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, parsed)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// Algorithm maps a public key to its JWS signing algorithm. RSA keys sign
// with RS384, which is what SMART backend services servers require.
func Algorithm(pub crypto.PublicKey) (string, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() < MinRSABits {
			return "", fmt.Errorf("%w: RSA key is %d bits, need at least %d", ErrUnsupportedKey, k.N.BitLen(), MinRSABits)
		}
		return "RS384", nil
	case *ecdsa.PublicKey:
		switch k.Curve.Params().Name {
		case "P-256":
			return "ES256", nil
		case "P-384":
			return "ES384", nil
		case "P-521":
			return "ES512", nil
		}
		return "", fmt.Errorf("%w: curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
	case ed25519.PublicKey:
		return "EdDSA", nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}
