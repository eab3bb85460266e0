package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
)

// JWK is the public half of a signing key as published in a JWKS document.
type JWK struct {
	KeyType   string `json:"kty"`
	Use       string `json:"use,omitempty"`
	Algorithm string `json:"alg,omitempty"`
	KeyID     string `json:"kid,omitempty"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC / OKP
	Curve string `json:"crv,omitempty"`
	X     string `json:"x,omitempty"`
	Y     string `json:"y,omitempty"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublicJWK encodes pub as a signing JWK carrying kid.
func PublicJWK(pub crypto.PublicKey, kid string) (JWK, error) {
	alg, err := Algorithm(pub)
	if err != nil {
		return JWK{}, err
	}
	jwk := JWK{Use: "sig", Algorithm: alg, KeyID: kid}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		jwk.KeyType = "RSA"
		jwk.N = b64(k.N.Bytes())
		jwk.E = b64(big.NewInt(int64(k.E)).Bytes())
	case *ecdsa.PublicKey:
		ek, err := k.ECDH()
		if err != nil {
			return JWK{}, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		// Uncompressed point: 0x04 || X || Y.
		raw := ek.Bytes()
		size := (len(raw) - 1) / 2
		jwk.KeyType = "EC"
		jwk.Curve = k.Curve.Params().Name
		jwk.X = b64(raw[1 : 1+size])
		jwk.Y = b64(raw[1+size:])
	case ed25519.PublicKey:
		jwk.KeyType = "OKP"
		jwk.Curve = "Ed25519"
		jwk.X = b64(k)
	}
	return jwk, nil
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of the JWK.
func (j JWK) Thumbprint() (string, error) {
	var members any
	switch j.KeyType {
	case "RSA":
		members = struct {
			E   string `json:"e"`
			Kty string `json:"kty"`
			N   string `json:"n"`
		}{j.E, j.KeyType, j.N}
	case "EC":
		members = struct {
			Crv string `json:"crv"`
			Kty string `json:"kty"`
			X   string `json:"x"`
			Y   string `json:"y"`
		}{j.Curve, j.KeyType, j.X, j.Y}
	case "OKP":
		members = struct {
			Crv string `json:"crv"`
			Kty string `json:"kty"`
			X   string `json:"x"`
		}{j.Curve, j.KeyType, j.X}
	default:
		return "", fmt.Errorf("%w: kty %q", ErrUnsupportedKey, j.KeyType)
	}

	canonical, err := json.Marshal(members)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return b64(sum[:]), nil
}

// Thumbprint returns the RFC 7638 thumbprint of pub.
func Thumbprint(pub crypto.PublicKey) (string, error) {
	jwk, err := PublicJWK(pub, "")
	if err != nil {
		return "", err
	}
	return jwk.Thumbprint()
}

// KeyIDFor returns the kid of the entry describing pub.
func (s *JWKS) KeyIDFor(pub crypto.PublicKey) (string, error) {
	want, err := Thumbprint(pub)
	if err != nil {
		return "", err
	}
	for _, k := range s.Keys {
		got, err := k.Thumbprint()
		if err != nil {
			continue
		}
		if got == want {
			if k.KeyID == "" {
				return "", errors.New("matching key has no kid")
			}
			return k.KeyID, nil
		}
	}
	return "", errors.New("no key in set matches the private key")
}

// ReadJWKS loads a key set from disk.
func ReadJWKS(path string) (*JWKS, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading JWKS: %w", err)
	}
	var set JWKS
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing JWKS %s: %w", path, err)
	}
	return &set, nil
}

// ---------------------------------------------------------------------------
// Key generation
// ---------------------------------------------------------------------------

// ErrExists is returned by Generate when an output file already exists and
// overwriting was not requested.
var ErrExists = errors.New("file already exists")

// GenerateOptions controls Generate.
type GenerateOptions struct {
	Dir   string
	KeyID string
	Bits  int
	Force bool
}

// GeneratedFiles lists the paths written by Generate.
type GeneratedFiles struct {
	PrivateKey string
	PublicKey  string
	JWKS       string
	KeyID      string
}

// Generate creates an RSA key pair and the JWKS to register with the
// authorization server.
func Generate(opts GenerateOptions) (*GeneratedFiles, error) {
	if opts.Bits == 0 {
		opts.Bits = MinRSABits
	}
	if opts.Bits < MinRSABits {
		return nil, fmt.Errorf("key size %d is below the %d bit minimum", opts.Bits, MinRSABits)
	}

	files := &GeneratedFiles{
		PrivateKey: filepath.Join(opts.Dir, "private_key.pem"),
		PublicKey:  filepath.Join(opts.Dir, "public_key.pem"),
		JWKS:       filepath.Join(opts.Dir, "jwks.json"),
	}
	if !opts.Force {
		for _, p := range []string{files.PrivateKey, files.PublicKey, files.JWKS} {
			if _, err := os.Stat(p); err == nil {
				return nil, fmt.Errorf("%w: %s", ErrExists, p)
			}
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, opts.Bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	kid := opts.KeyID
	if kid == "" {
		if kid, err = Thumbprint(&key.PublicKey); err != nil {
			return nil, err
		}
	}
	files.KeyID = kid

	jwk, err := PublicJWK(&key.PublicKey, kid)
	if err != nil {
		return nil, err
	}
	set, err := json.MarshalIndent(JWKS{Keys: []JWK{jwk}}, "", "  ")
	if err != nil {
		return nil, err
	}

	if err := writePEM(files.PrivateKey, "PRIVATE KEY", privDER, 0o600); err != nil {
		return nil, err
	}
	if err := writePEM(files.PublicKey, "PUBLIC KEY", pubDER, 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(files.JWKS, append(set, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", files.JWKS, err)
	}
	return files, nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
