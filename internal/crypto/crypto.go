// Package crypto holds the primitives behind peer identities and encrypted
// sessions: X25519 static and ephemeral keys, Ed25519 packet signatures,
// XChaCha20-Poly1305 and a SHA3-256 KDF.
package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

const (
	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX

	StaticKeySize    = curve25519.ScalarSize
	SigningKeySize   = ed25519.PublicKeySize
	SignatureSize    = ed25519.SignatureSize
	FingerprintSize  = 32
	noiseKeyFile     = "noise.hex"
	signingKeyFile   = "signing.hex"
	identityFileMode = 0600
)

var ErrEmptyKey = errors.New("empty key material")

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// Fingerprint is the stable identity digest of a static public key.
func Fingerprint(staticPub []byte) [FingerprintSize]byte {
	return sha3.Sum256(staticPub)
}

func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ct, err := XSealWithNonce(key32, nonce, plaintext, aad)
	if err != nil {
		return nil, nil, err
	}
	return nonce, ct, nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

func XSealWithNonce(key32, nonce24, plaintext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce24, plaintext, aad), nil
}

type Ephemeral struct {
	priv      *ecdh.PrivateKey
	privBytes []byte
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string {
	return "Ephemeral{REDACTED}"
}

func (e *Ephemeral) GoString() string {
	return "crypto.Ephemeral{REDACTED}"
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	if len(peerPub) == 0 {
		return nil, ErrEmptyKey
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.privBytes {
		e.privBytes[i] = 0
	}
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	privCopy := append([]byte(nil), priv.Bytes()...)
	pubCopy := append([]byte(nil), priv.PublicKey().Bytes()...)
	return &Ephemeral{priv: priv, privBytes: privCopy, pub: pubCopy}, nil
}

func X25519Shared(privKey, peerPub []byte) ([]byte, error) {
	if len(privKey) == 0 || len(peerPub) == 0 {
		return nil, ErrEmptyKey
	}
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}

// StaticKey is the long-term X25519 key pair a peer id is derived from.
type StaticKey struct {
	Private []byte
	Public  []byte
}

func (k StaticKey) String() string {
	return "StaticKey{" + hex.EncodeToString(k.Public) + "}"
}

func GenerateStatic() (StaticKey, error) {
	priv := make([]byte, StaticKeySize)
	if _, err := rand.Read(priv); err != nil {
		return StaticKey{}, err
	}
	return StaticFromPrivate(priv)
}

func StaticFromPrivate(priv []byte) (StaticKey, error) {
	if len(priv) != StaticKeySize {
		return StaticKey{}, fmt.Errorf("bad static key size: need %d", StaticKeySize)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return StaticKey{}, err
	}
	return StaticKey{Private: append([]byte(nil), priv...), Public: pub}, nil
}

// Shared computes DH(static, peerPub).
func (k StaticKey) Shared(peerPub []byte) ([]byte, error) {
	return X25519Shared(k.Private, peerPub)
}

type SigningKey struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

func (k SigningKey) String() string {
	return "SigningKey{" + hex.EncodeToString(k.Public) + "}"
}

func GenerateSigning() (SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKey{}, err
	}
	return SigningKey{Private: priv, Public: pub}, nil
}

func SigningFromSeed(seed []byte) (SigningKey, error) {
	if len(seed) != ed25519.SeedSize {
		return SigningKey{}, fmt.Errorf("bad signing seed size: need %d", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return SigningKey{Private: priv, Public: priv.Public().(ed25519.PublicKey)}, nil
}

func (k SigningKey) Sign(msg []byte) []byte {
	if len(k.Private) != ed25519.PrivateKeySize {
		return nil
	}
	return ed25519.Sign(k.Private, msg)
}

func Verify(pub, msg, sig []byte) bool {
	if len(pub) != SigningKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// SaveIdentity writes both private keys as hex files under dir.
func SaveIdentity(dir string, static StaticKey, signing SigningKey) error {
	if len(static.Private) == 0 || len(signing.Private) == 0 {
		return ErrEmptyKey
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, noiseKeyFile), []byte(hex.EncodeToString(static.Private)), identityFileMode); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, signingKeyFile), []byte(hex.EncodeToString(signing.Private.Seed())), identityFileMode)
}

func LoadIdentity(dir string) (StaticKey, SigningKey, error) {
	noiseHex, err := os.ReadFile(filepath.Join(dir, noiseKeyFile))
	if err != nil {
		return StaticKey{}, SigningKey{}, err
	}
	signHex, err := os.ReadFile(filepath.Join(dir, signingKeyFile))
	if err != nil {
		return StaticKey{}, SigningKey{}, err
	}
	noise, err := hex.DecodeString(strings.TrimSpace(string(noiseHex)))
	if err != nil {
		return StaticKey{}, SigningKey{}, fmt.Errorf("bad %s", noiseKeyFile)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(signHex)))
	if err != nil {
		return StaticKey{}, SigningKey{}, fmt.Errorf("bad %s", signingKeyFile)
	}
	static, err := StaticFromPrivate(noise)
	if err != nil {
		return StaticKey{}, SigningKey{}, err
	}
	signing, err := SigningFromSeed(seed)
	if err != nil {
		return StaticKey{}, SigningKey{}, err
	}
	return static, signing, nil
}
