package turtls

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/x509"
	"encoding"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	errRngFailure    = errors.New("turtls: entropy source failed")
	errPrivKeyIsZero = errors.New("turtls: generated private key is zero")
)

type aeadFactory func(key []byte) (cipher.AEAD, error)

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func newChaCha20Poly1305(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

// CipherSuiteParams carries the primitives behind a negotiated suite.
type CipherSuiteParams struct {
	Suite  CipherSuite
	Cipher aeadFactory
	Hash   crypto.Hash
	KeyLen int
	IvLen  int
}

var cipherSuiteMap = map[CipherSuite]CipherSuiteParams{
	TLS_AES_128_GCM_SHA256: {
		Suite:  TLS_AES_128_GCM_SHA256,
		Cipher: newAESGCM,
		Hash:   crypto.SHA256,
		KeyLen: 16,
		IvLen:  12,
	},
	TLS_AES_256_GCM_SHA384: {
		Suite:  TLS_AES_256_GCM_SHA384,
		Cipher: newAESGCM,
		Hash:   crypto.SHA384,
		KeyLen: 32,
		IvLen:  12,
	},
	TLS_CHACHA20_POLY1305_SHA256: {
		Suite:  TLS_CHACHA20_POLY1305_SHA256,
		Cipher: newChaCha20Poly1305,
		Hash:   crypto.SHA256,
		KeyLen: 32,
		IvLen:  12,
	},
}

type signatureParams struct {
	hash  crypto.Hash
	curve elliptic.Curve
}

var signatureSchemeMap = map[SignatureScheme]signatureParams{
	ECDSA_P256_SHA256: {crypto.SHA256, elliptic.P256()},
	ECDSA_P384_SHA384: {crypto.SHA384, elliptic.P384()},
	ECDSA_P521_SHA512: {crypto.SHA512, elliptic.P521()},
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

///// TRANSCRIPT HASH

// transcriptHasher accumulates handshake messages before the hash
// function is known (ClientHello goes in before the suite is picked),
// then replays them once SetSuite fixes the digest.
type transcriptHasher struct {
	buf []byte
	h   hash.Hash
}

func (t *transcriptHasher) Add(msg []byte) {
	if t.h != nil {
		t.h.Write(msg)
		return
	}
	t.buf = append(t.buf, msg...)
}

func (t *transcriptHasher) SetSuite(hash crypto.Hash) {
	if t.h != nil {
		return
	}
	t.h = hash.New()
	t.h.Write(t.buf)
	t.buf = nil
}

// Snapshot returns the digest of everything added so far without
// disturbing the running state.
func (t *transcriptHasher) Snapshot() []byte {
	marshaler, ok := t.h.(encoding.BinaryMarshaler)
	if !ok {
		panic("turtls: transcript hash is not clonable")
	}
	state, err := marshaler.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("turtls: transcript hash clone: %v", err))
	}
	clone := sha2For(t.h.Size())
	if err := clone.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic(fmt.Sprintf("turtls: transcript hash clone: %v", err))
	}
	return clone.Sum(nil)
}

func sha2For(size int) hash.Hash {
	switch size {
	case crypto.SHA256.Size():
		return crypto.SHA256.New()
	case crypto.SHA384.Size():
		return crypto.SHA384.New()
	case crypto.SHA512.Size():
		return crypto.SHA512.New()
	}
	panic("turtls: unknown transcript hash size")
}

///// KEY SCHEDULE

func HkdfExtract(hash crypto.Hash, salt, ikm []byte) []byte {
	return hkdf.Extract(hash.New, ikm, salt)
}

const hkdfLabelPrefix = "tls13 "

func hkdfEncodeLabel(label string, hashValue []byte, outLen int) []byte {
	label = hkdfLabelPrefix + label

	labelLen := len(label)
	hashLen := len(hashValue)
	hkdfLabel := make([]byte, 2+1+labelLen+1+hashLen)
	hkdfLabel[0] = byte(outLen >> 8)
	hkdfLabel[1] = byte(outLen)
	hkdfLabel[2] = byte(labelLen)
	copy(hkdfLabel[3:3+labelLen], []byte(label))
	hkdfLabel[3+labelLen] = byte(hashLen)
	copy(hkdfLabel[3+labelLen+1:], hashValue)

	return hkdfLabel
}

func HkdfExpandLabel(hash crypto.Hash, secret []byte, label string, hashValue []byte, outLen int) []byte {
	info := hkdfEncodeLabel(label, hashValue, outLen)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(hkdf.Expand(hash.New, secret, info), out); err != nil {
		panic(fmt.Sprintf("turtls: hkdf expand: %v", err))
	}
	logf(logTypeCrypto, "HKDF Expand: label=[tls13 ] + '%s',requested length=%d", label, outLen)
	logf(logTypeCrypto, "Secret [%d]: %x", len(secret), secret)
	logf(logTypeCrypto, "Output [%d]: %x", outLen, out)
	return out
}

const (
	labelExternalBinder = "ext binder"
	labelDerived        = "derived"
	labelClientHS       = "c hs traffic"
	labelServerHS       = "s hs traffic"
	labelClientApp      = "c ap traffic"
	labelServerApp      = "s ap traffic"
	labelExporter       = "exp master"
	labelResumption     = "res master"
	labelTrafficUpdate  = "traffic upd"
	labelFinished       = "finished"
	labelKey            = "key"
	labelIV             = "iv"
)

func deriveSecret(params CipherSuiteParams, secret []byte, label string, transcriptHash []byte) []byte {
	return HkdfExpandLabel(params.Hash, secret, label, transcriptHash, params.Hash.Size())
}

// keySet holds one direction's traffic keys.
type keySet struct {
	cipher aeadFactory
	key    []byte
	iv     []byte
}

func (ks *keySet) zeroize() {
	zeroize(ks.key)
	zeroize(ks.iv)
}

func makeTrafficKeys(params CipherSuiteParams, secret []byte) keySet {
	return keySet{
		cipher: params.Cipher,
		key:    HkdfExpandLabel(params.Hash, secret, labelKey, []byte{}, params.KeyLen),
		iv:     HkdfExpandLabel(params.Hash, secret, labelIV, []byte{}, params.IvLen),
	}
}

func computeFinishedData(params CipherSuiteParams, baseKey []byte, input []byte) []byte {
	macKey := HkdfExpandLabel(params.Hash, baseKey, labelFinished, []byte{}, params.Hash.Size())
	defer zeroize(macKey)
	mac := hmac.New(params.Hash.New, macKey)
	mac.Write(input)
	return mac.Sum(nil)
}

// cryptoContext is the running key schedule for one connection.  The
// secrets chain Early -> Handshake -> Master exactly as the RFC draws
// it; each traffic secret is bound to the transcript at the moment the
// corresponding flight completes.
type cryptoContext struct {
	params CipherSuiteParams

	earlySecret     []byte
	handshakeSecret []byte
	masterSecret    []byte

	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
	clientTrafficSecret          []byte
	serverTrafficSecret          []byte
}

func (ctx *cryptoContext) init(params CipherSuiteParams) {
	ctx.params = params
	zero := make([]byte, params.Hash.Size())
	ctx.earlySecret = HkdfExtract(params.Hash, zero, zero)
}

func (ctx *cryptoContext) computeHandshakeSecrets(dhSecret, transcript []byte) {
	salt := deriveSecret(ctx.params, ctx.earlySecret, labelDerived, emptyHash(ctx.params.Hash))
	ctx.handshakeSecret = HkdfExtract(ctx.params.Hash, salt, dhSecret)
	zeroize(salt)

	ctx.clientHandshakeTrafficSecret = deriveSecret(ctx.params, ctx.handshakeSecret, labelClientHS, transcript)
	ctx.serverHandshakeTrafficSecret = deriveSecret(ctx.params, ctx.handshakeSecret, labelServerHS, transcript)
	logf(logTypeCrypto, "client handshake traffic secret: [%d] %x",
		len(ctx.clientHandshakeTrafficSecret), ctx.clientHandshakeTrafficSecret)
	logf(logTypeCrypto, "server handshake traffic secret: [%d] %x",
		len(ctx.serverHandshakeTrafficSecret), ctx.serverHandshakeTrafficSecret)
}

func (ctx *cryptoContext) computeApplicationSecrets(transcript []byte) {
	salt := deriveSecret(ctx.params, ctx.handshakeSecret, labelDerived, emptyHash(ctx.params.Hash))
	zero := make([]byte, ctx.params.Hash.Size())
	ctx.masterSecret = HkdfExtract(ctx.params.Hash, salt, zero)
	zeroize(salt)

	ctx.clientTrafficSecret = deriveSecret(ctx.params, ctx.masterSecret, labelClientApp, transcript)
	ctx.serverTrafficSecret = deriveSecret(ctx.params, ctx.masterSecret, labelServerApp, transcript)
}

// updateTrafficSecret ratchets one direction's application secret for a
// KeyUpdate.  The old secret is wiped.
func (ctx *cryptoContext) updateTrafficSecret(secret []byte) []byte {
	next := HkdfExpandLabel(ctx.params.Hash, secret, labelTrafficUpdate, []byte{}, ctx.params.Hash.Size())
	zeroize(secret)
	return next
}

func (ctx *cryptoContext) zeroizeHandshake() {
	zeroize(ctx.handshakeSecret)
	zeroize(ctx.clientHandshakeTrafficSecret)
	zeroize(ctx.serverHandshakeTrafficSecret)
	ctx.handshakeSecret = nil
	ctx.clientHandshakeTrafficSecret = nil
	ctx.serverHandshakeTrafficSecret = nil
}

func (ctx *cryptoContext) zeroizeAll() {
	ctx.zeroizeHandshake()
	zeroize(ctx.earlySecret)
	zeroize(ctx.masterSecret)
	zeroize(ctx.clientTrafficSecret)
	zeroize(ctx.serverTrafficSecret)
	*ctx = cryptoContext{}
}

func emptyHash(h crypto.Hash) []byte {
	hh := h.New()
	return hh.Sum(nil)
}

///// KEY EXCHANGE

const (
	x25519KeyLen       = 32
	hybridClientKeyLen = mlkem768.PublicKeySize + x25519KeyLen
	hybridServerKeyLen = mlkem768.CiphertextSize + x25519KeyLen
)

// keyExchangeKey is one side's ephemeral share for a single group.
type keyExchangeKey struct {
	group    NamedGroup
	raw      []byte // x25519 scalar, or nil
	nistPriv *ecdh.PrivateKey
	kemPriv  *mlkem768.PrivateKey
	public   []byte
}

func nistCurve(group NamedGroup) ecdh.Curve {
	switch group {
	case P256:
		return ecdh.P256()
	case P384:
		return ecdh.P384()
	case P521:
		return ecdh.P521()
	}
	return nil
}

func drawScalar(rng io.Reader, n int) ([]byte, error) {
	raw := make([]byte, n)
	if _, err := io.ReadFull(rng, raw); err != nil {
		return nil, errRngFailure
	}
	if bytes.Equal(raw, make([]byte, n)) {
		return nil, errPrivKeyIsZero
	}
	return raw, nil
}

// newKeyShare generates an ephemeral key pair for group.  An all-zero
// draw from rng is rejected before any bytes hit the wire.
func newKeyShare(group NamedGroup, rng io.Reader) (*keyExchangeKey, error) {
	switch group {
	case X25519:
		raw, err := drawScalar(rng, x25519KeyLen)
		if err != nil {
			return nil, err
		}
		pub, err := curve25519.X25519(raw, curve25519.Basepoint)
		if err != nil {
			return nil, err
		}
		return &keyExchangeKey{group: group, raw: raw, public: pub}, nil

	case P256, P384, P521:
		curve := nistCurve(group)
		for {
			raw, err := drawScalar(rng, nistScalarLen(group))
			if err != nil {
				return nil, err
			}
			priv, err := curve.NewPrivateKey(raw)
			zeroize(raw)
			if err != nil {
				// Out of range for the curve order; redraw.
				continue
			}
			return &keyExchangeKey{group: group, nistPriv: priv, public: priv.PublicKey().Bytes()}, nil
		}

	case X25519MLKEM768:
		kemPub, kemPriv, err := mlkem768.GenerateKeyPair(rng)
		if err != nil {
			return nil, errRngFailure
		}
		raw, err := drawScalar(rng, x25519KeyLen)
		if err != nil {
			return nil, err
		}
		xPub, err := curve25519.X25519(raw, curve25519.Basepoint)
		if err != nil {
			return nil, err
		}
		public := make([]byte, hybridClientKeyLen)
		kemPub.Pack(public[:mlkem768.PublicKeySize])
		copy(public[mlkem768.PublicKeySize:], xPub)
		return &keyExchangeKey{
			group:   group,
			raw:     raw,
			kemPriv: kemPriv,
			public:  public,
		}, nil
	}
	return nil, errors.Errorf("turtls: unsupported group %04x", uint16(group))
}

func nistScalarLen(group NamedGroup) int {
	switch group {
	case P256:
		return 32
	case P384:
		return 48
	case P521:
		return 66
	}
	return 0
}

func (k *keyExchangeKey) zeroize() {
	zeroize(k.raw)
	k.raw = nil
	k.nistPriv = nil
	k.kemPriv = nil
}

// sharedSecret completes the exchange on the side that generated this
// share first.  For the hybrid group, peer is ciphertext || x25519
// point; for plain groups it is the peer's public key.  A malformed or
// off-curve peer value is the peer's fault, so errors here map to
// illegal_parameter upstream.
func (k *keyExchangeKey) sharedSecret(peer []byte) ([]byte, error) {
	switch k.group {
	case X25519:
		if len(peer) != x25519KeyLen {
			return nil, errors.New("turtls: bad x25519 key share length")
		}
		return curve25519.X25519(k.raw, peer)

	case P256, P384, P521:
		peerKey, err := nistCurve(k.group).NewPublicKey(peer)
		if err != nil {
			return nil, errors.Wrap(err, "turtls: bad ecdh key share")
		}
		return k.nistPriv.ECDH(peerKey)

	case X25519MLKEM768:
		if len(peer) != hybridServerKeyLen {
			return nil, errors.New("turtls: bad hybrid key share length")
		}
		out := make([]byte, mlkem768.SharedKeySize+x25519KeyLen)
		k.kemPriv.DecapsulateTo(out[:mlkem768.SharedKeySize], peer[:mlkem768.CiphertextSize])
		xSS, err := curve25519.X25519(k.raw, peer[mlkem768.CiphertextSize:])
		if err != nil {
			zeroize(out)
			return nil, err
		}
		copy(out[mlkem768.SharedKeySize:], xSS)
		zeroize(xSS)
		return out, nil
	}
	return nil, errors.Errorf("turtls: unsupported group %04x", uint16(k.group))
}

// keyExchangeRespond is the responder half: given the initiator's
// share, produce our wire share and the shared secret in one step.
func keyExchangeRespond(group NamedGroup, rng io.Reader, peer []byte) (share, secret []byte, err error) {
	switch group {
	case X25519, P256, P384, P521:
		key, err := newKeyShare(group, rng)
		if err != nil {
			return nil, nil, err
		}
		defer key.zeroize()
		secret, err := key.sharedSecret(peer)
		if err != nil {
			return nil, nil, err
		}
		return key.public, secret, nil

	case X25519MLKEM768:
		if len(peer) != hybridClientKeyLen {
			return nil, nil, errors.New("turtls: bad hybrid key share length")
		}
		var kemPub mlkem768.PublicKey
		kemPub.Unpack(peer[:mlkem768.PublicKeySize])
		encSeed := make([]byte, mlkem768.EncapsulationSeedSize)
		if _, err := io.ReadFull(rng, encSeed); err != nil {
			return nil, nil, errRngFailure
		}
		share = make([]byte, hybridServerKeyLen)
		secret = make([]byte, mlkem768.SharedKeySize+x25519KeyLen)
		kemPub.EncapsulateTo(share[:mlkem768.CiphertextSize], secret[:mlkem768.SharedKeySize], encSeed)
		zeroize(encSeed)

		raw, err := drawScalar(rng, x25519KeyLen)
		if err != nil {
			zeroize(secret)
			return nil, nil, err
		}
		defer zeroize(raw)
		xPub, err := curve25519.X25519(raw, curve25519.Basepoint)
		if err != nil {
			zeroize(secret)
			return nil, nil, err
		}
		xSS, err := curve25519.X25519(raw, peer[mlkem768.PublicKeySize:])
		if err != nil {
			zeroize(secret)
			return nil, nil, err
		}
		copy(share[mlkem768.CiphertextSize:], xPub)
		copy(secret[mlkem768.SharedKeySize:], xSS)
		zeroize(xSS)
		return share, secret, nil
	}
	return nil, nil, errors.Errorf("turtls: unsupported group %04x", uint16(group))
}

///// SIGNATURES

const (
	contextCertificateVerifyServer = "TLS 1.3, server CertificateVerify"
	contextCertificateVerifyClient = "TLS 1.3, client CertificateVerify"
)

func certVerifyInput(context string, transcriptHash []byte) []byte {
	in := make([]byte, 0, 64+len(context)+1+len(transcriptHash))
	in = append(in, bytes.Repeat([]byte{0x20}, 64)...)
	in = append(in, []byte(context)...)
	in = append(in, 0x00)
	in = append(in, transcriptHash...)
	return in
}

func schemeForSigner(signer crypto.Signer, allowed []SignatureScheme) (SignatureScheme, error) {
	priv, ok := signer.Public().(*ecdsa.PublicKey)
	if !ok {
		return 0, errors.New("turtls: only ECDSA signing keys are supported")
	}
	for _, scheme := range allowed {
		params, ok := signatureSchemeMap[scheme]
		if ok && params.curve == priv.Curve {
			return scheme, nil
		}
	}
	return 0, errors.New("turtls: no signature scheme matches the signing key")
}

func signCertificateVerify(rng io.Reader, scheme SignatureScheme, signer crypto.Signer, context string, transcriptHash []byte) ([]byte, error) {
	params, ok := signatureSchemeMap[scheme]
	if !ok {
		return nil, errors.Errorf("turtls: unsupported signature scheme %04x", uint16(scheme))
	}
	h := params.hash.New()
	h.Write(certVerifyInput(context, transcriptHash))
	return signer.Sign(rng, h.Sum(nil), params.hash)
}

func verifyCertificateVerify(scheme SignatureScheme, pub crypto.PublicKey, context string, transcriptHash, sig []byte) error {
	params, ok := signatureSchemeMap[scheme]
	if !ok {
		return errors.Errorf("turtls: unsupported signature scheme %04x", uint16(scheme))
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok || ecPub.Curve != params.curve {
		return errors.New("turtls: certificate key does not match signature scheme")
	}
	h := params.hash.New()
	h.Write(certVerifyInput(context, transcriptHash))
	if !ecdsa.VerifyASN1(ecPub, h.Sum(nil), sig) {
		return errors.New("turtls: CertificateVerify signature check failed")
	}
	return nil
}

func verifyChain(chain []*x509.Certificate, roots *x509.CertPool, serverName string, now time.Time) error {
	if len(chain) == 0 {
		return errors.New("turtls: empty certificate chain")
	}
	opts := x509.VerifyOptions{
		Roots:       roots,
		DNSName:     serverName,
		CurrentTime: now,
	}
	if len(chain) > 1 {
		opts.Intermediates = x509.NewCertPool()
		for _, cert := range chain[1:] {
			opts.Intermediates.AddCert(cert)
		}
	}
	_, err := chain[0].Verify(opts)
	return errors.Wrap(err, "turtls: certificate verification")
}
