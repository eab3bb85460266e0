package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func generateTestRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return key
}

func writeTestFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func pkcs1PEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

// ---------------------------------------------------------------------------
// ParsePrivateKey
// ---------------------------------------------------------------------------

func TestParsePrivateKey_PKCS1(t *testing.T) {
	key := generateTestRSAKey(t)
	signer, err := ParsePrivateKey(pkcs1PEM(key))
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if !key.PublicKey.Equal(signer.Public()) {
		t.Error("parsed key does not match original")
	}
}

func TestParsePrivateKey_PKCS8(t *testing.T) {
	key := generateTestRSAKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal PKCS8: %v", err)
	}
	signer, err := ParsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if !key.PublicKey.Equal(signer.Public()) {
		t.Error("parsed key does not match original")
	}
}

func TestParsePrivateKey_EC(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("generate EC key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal EC key: %v", err)
	}
	signer, err := ParsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	alg, err := Algorithm(signer.Public())
	if err != nil {
		t.Fatalf("Algorithm failed: %v", err)
	}
	if alg != "ES384" {
		t.Errorf("expected ES384, got %s", alg)
	}
}

func TestParsePrivateKey_Garbage(t *testing.T) {
	if _, err := ParsePrivateKey([]byte("not a pem")); err == nil {
		t.Fatal("expected error for non-PEM input")
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1, 2, 3}})
	if _, err := ParsePrivateKey(cert); err == nil {
		t.Fatal("expected error for certificate block")
	}
}

// ---------------------------------------------------------------------------
// Algorithm
// ---------------------------------------------------------------------------

func TestAlgorithm_RSA(t *testing.T) {
	key := generateTestRSAKey(t)
	alg, err := Algorithm(&key.PublicKey)
	if err != nil {
		t.Fatalf("Algorithm failed: %v", err)
	}
	if alg != "RS384" {
		t.Errorf("expected RS384, got %s", alg)
	}
}

func TestAlgorithm_RejectsSmallRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	_, err = Algorithm(&key.PublicKey)
	if !errors.Is(err, ErrUnsupportedKey) {
		t.Fatalf("expected ErrUnsupportedKey, got %v", err)
	}
}

func TestAlgorithm_Unsupported(t *testing.T) {
	if _, err := Algorithm("nope"); !errors.Is(err, ErrUnsupportedKey) {
		t.Fatalf("expected ErrUnsupportedKey, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Thumbprint
// ---------------------------------------------------------------------------

func TestThumbprint_RFC7638Example(t *testing.T) {
	jwk := JWK{
		KeyType: "RSA",
		N:       "0vx7agoebGcQSuuPiLJXZptN9nndrQmbXEps2aiAFbWhM78LhWx4cbbfAAtVT86zwu1RK7aPFFxuhDR1L6tSoc_BJECPebWKRXjBZCiFV4n3oknjhMstn64tZ_2W-5JsGY4Hc5n9yBXArwl93lqt7_RN5w6Cf0h4QyQ5v-65YGjQR0_FDW2QvzqY368QQMicAtaSqzs8KJZgnYb9c7d0zgdAZHzu6qMQvRL5hajrn1n91CbOpbISD08qNLyrdkt-bFTWhAI4vMQFh6WeZu0fM4lFd2NcRwr3XPksINHaQ-G_xBniIqbw0Ls1jF44-csFCur-kEgU8awapJzKnqDKgw",
		E:       "AQAB",
		// Non-required members do not affect the thumbprint.
		Algorithm: "RS256",
		KeyID:     "2011-04-29",
	}
	got, err := jwk.Thumbprint()
	if err != nil {
		t.Fatalf("Thumbprint failed: %v", err)
	}
	if want := "NzbLsXh8uDCcd-6MNwXF4W_7noWXFZAfHkxZsRGC9Xs"; got != want {
		t.Errorf("thumbprint = %s, want %s", got, want)
	}
}

// ---------------------------------------------------------------------------
// LoadIdentity
// ---------------------------------------------------------------------------

func TestLoadIdentity_ExplicitKeyID(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "key.pem", pkcs1PEM(generateTestRSAKey(t)))

	id, err := LoadIdentity(Source{ClientID: "client-1", PrivateKeyPath: path, KeyID: "epic-fhir-key-1"})
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if id.ClientID != "client-1" {
		t.Errorf("expected client-1, got %s", id.ClientID)
	}
	if id.KeyID != "epic-fhir-key-1" {
		t.Errorf("expected explicit kid, got %s", id.KeyID)
	}
}

func TestLoadIdentity_KeyIDFromJWKS(t *testing.T) {
	dir := t.TempDir()
	key := generateTestRSAKey(t)
	other := generateTestRSAKey(t)
	path := writeTestFile(t, dir, "key.pem", pkcs1PEM(key))

	otherJWK, _ := PublicJWK(&other.PublicKey, "other-key")
	ownJWK, _ := PublicJWK(&key.PublicKey, "published-kid")
	data, _ := json.Marshal(JWKS{Keys: []JWK{otherJWK, ownJWK}})
	jwksPath := writeTestFile(t, dir, "jwks.json", data)

	id, err := LoadIdentity(Source{ClientID: "c", PrivateKeyPath: path, JWKSPath: jwksPath})
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if id.KeyID != "published-kid" {
		t.Errorf("expected kid from JWKS, got %q", id.KeyID)
	}
}

func TestLoadIdentity_JWKSWithoutMatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "key.pem", pkcs1PEM(generateTestRSAKey(t)))
	other := generateTestRSAKey(t)
	otherJWK, _ := PublicJWK(&other.PublicKey, "other-key")
	data, _ := json.Marshal(JWKS{Keys: []JWK{otherJWK}})
	jwksPath := writeTestFile(t, dir, "jwks.json", data)

	if _, err := LoadIdentity(Source{ClientID: "c", PrivateKeyPath: path, JWKSPath: jwksPath}); err == nil {
		t.Fatal("expected error when JWKS has no matching key")
	}
}

func TestLoadIdentity_ThumbprintFallback(t *testing.T) {
	dir := t.TempDir()
	key := generateTestRSAKey(t)
	path := writeTestFile(t, dir, "key.pem", pkcs1PEM(key))

	id, err := LoadIdentity(Source{ClientID: "c", PrivateKeyPath: path})
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	want, _ := Thumbprint(&key.PublicKey)
	if id.KeyID != want {
		t.Errorf("expected thumbprint kid %s, got %s", want, id.KeyID)
	}
}

func TestLoadIdentity_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadIdentity(Source{PrivateKeyPath: filepath.Join(dir, "x.pem")}); err == nil {
		t.Error("expected error for missing client id")
	}
	if _, err := LoadIdentity(Source{ClientID: "c", PrivateKeyPath: filepath.Join(dir, "missing.pem")}); err == nil {
		t.Error("expected error for missing key file")
	}
	bad := writeTestFile(t, dir, "bad.pem", []byte("-----BEGIN NOTHING-----\n-----END NOTHING-----\n"))
	if _, err := LoadIdentity(Source{ClientID: "c", PrivateKeyPath: bad}); err == nil {
		t.Error("expected error for malformed key file")
	}
}

// ---------------------------------------------------------------------------
// Generate
// ---------------------------------------------------------------------------

func TestGenerate_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	files, err := Generate(GenerateOptions{Dir: dir, KeyID: "epic-fhir-key-1"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	info, err := os.Stat(files.PrivateKey)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected private key mode 0600, got %o", perm)
	}

	set, err := ReadJWKS(files.JWKS)
	if err != nil {
		t.Fatalf("ReadJWKS failed: %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(set.Keys))
	}
	k := set.Keys[0]
	if k.KeyType != "RSA" || k.Algorithm != "RS384" || k.Use != "sig" || k.KeyID != "epic-fhir-key-1" {
		t.Errorf("unexpected JWK: %+v", k)
	}

	id, err := LoadIdentity(Source{ClientID: "c", PrivateKeyPath: files.PrivateKey, JWKSPath: files.JWKS})
	if err != nil {
		t.Fatalf("LoadIdentity on generated files failed: %v", err)
	}
	if id.KeyID != "epic-fhir-key-1" {
		t.Errorf("expected generated kid, got %s", id.KeyID)
	}
}

func TestGenerate_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	if _, err := Generate(GenerateOptions{Dir: dir}); err != nil {
		t.Fatalf("first Generate failed: %v", err)
	}
	_, err := Generate(GenerateOptions{Dir: dir})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := Generate(GenerateOptions{Dir: dir, Force: true}); err != nil {
		t.Fatalf("forced Generate failed: %v", err)
	}
}

func TestGenerate_RejectsSmallKeys(t *testing.T) {
	if _, err := Generate(GenerateOptions{Dir: t.TempDir(), Bits: 1024}); err == nil {
		t.Fatal("expected error for 1024-bit key")
	}
}
