package turtls

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// Values from the RFC 8448 "Simple 1-RTT Handshake" trace.
func TestKeyScheduleVectors(t *testing.T) {
	params := cipherSuiteMap[TLS_AES_128_GCM_SHA256]

	earlySecret := HkdfExtract(params.Hash, nil, make([]byte, params.Hash.Size()))
	assert.Equal(t,
		unhex(t, "33ad0a1c607ec03b09e6cd9893680ce210adf300aa1f2660e1b22e10f170f92a"),
		earlySecret)

	derived := deriveSecret(params, earlySecret, labelDerived, emptyHash(params.Hash))
	assert.Equal(t,
		unhex(t, "6f2615a108c702c5678f54fc9dbab69716c076189c48250cebeac3576c3611ba"),
		derived)
}

func TestHkdfExpandLabelEncoding(t *testing.T) {
	// Label and context lengths must round-trip through the encoded
	// HkdfLabel structure.
	encoded := hkdfEncodeLabel("key", []byte{0x01, 0x02}, 16)
	require.Equal(t, byte(0), encoded[0])
	require.Equal(t, byte(16), encoded[1])
	require.Equal(t, byte(len(hkdfLabelPrefix)+3), encoded[2])
	require.Equal(t, []byte(hkdfLabelPrefix+"key"), encoded[3:3+len(hkdfLabelPrefix)+3])
	require.Equal(t, byte(2), encoded[3+len(hkdfLabelPrefix)+3])

	out := HkdfExpandLabel(crypto.SHA256, make([]byte, 32), "key", nil, 16)
	require.Len(t, out, 16)
}

func TestKeyAgreement(t *testing.T) {
	for _, group := range []NamedGroup{X25519, P256, P384, P521, X25519MLKEM768} {
		key, err := newKeyShare(group, rand.Reader)
		require.NoError(t, err, "group %04x", uint16(group))

		share, secret, err := keyExchangeRespond(group, rand.Reader, key.public)
		require.NoError(t, err, "group %04x", uint16(group))

		peerSecret, err := key.sharedSecret(share)
		require.NoError(t, err, "group %04x", uint16(group))
		assert.Equal(t, secret, peerSecret, "group %04x", uint16(group))
		assert.NotEqual(t, make([]byte, len(secret)), secret)

		key.zeroize()
	}
}

func TestKeyAgreementDistinct(t *testing.T) {
	a, err := newKeyShare(X25519, rand.Reader)
	require.NoError(t, err)
	b, err := newKeyShare(X25519, rand.Reader)
	require.NoError(t, err)
	require.NotEqual(t, a.public, b.public)
}

func TestDrawScalarRejectsZero(t *testing.T) {
	_, err := drawScalar(zeroReader{}, 32)
	require.Equal(t, errPrivKeyIsZero, err)

	_, err = newKeyShare(X25519, zeroReader{})
	require.Equal(t, errPrivKeyIsZero, err)
}

func TestDrawScalarRngFailure(t *testing.T) {
	_, err := drawScalar(failingReader{}, 32)
	require.Equal(t, errRngFailure, err)

	_, err = newKeyShare(X25519MLKEM768, failingReader{})
	require.Equal(t, errRngFailure, err)
}

func TestKeyExchangeRespondBadShare(t *testing.T) {
	// A truncated peer share must fail cleanly for every group.
	for _, group := range []NamedGroup{X25519, P256, X25519MLKEM768} {
		_, _, err := keyExchangeRespond(group, rand.Reader, []byte{0x01, 0x02, 0x03})
		require.Error(t, err, "group %04x", uint16(group))
	}
}

func TestTranscriptHasher(t *testing.T) {
	// Messages added before SetSuite must land in the hash just as if
	// the suite had been known from the start.
	early := &transcriptHasher{}
	early.Add([]byte("client hello"))
	early.SetSuite(crypto.SHA256)
	early.Add([]byte("server hello"))

	late := &transcriptHasher{}
	late.SetSuite(crypto.SHA256)
	late.Add([]byte("client hello"))
	late.Add([]byte("server hello"))

	require.Equal(t, late.Snapshot(), early.Snapshot())

	// Snapshot must not disturb the running hash.
	first := early.Snapshot()
	require.Equal(t, first, early.Snapshot())
	early.Add([]byte("finished"))
	require.NotEqual(t, first, early.Snapshot())
}

func TestFinishedData(t *testing.T) {
	params := cipherSuiteMap[TLS_AES_256_GCM_SHA384]
	secret := make([]byte, params.Hash.Size())
	transcript := bytes.Repeat([]byte{0xab}, params.Hash.Size())

	a := computeFinishedData(params, secret, transcript)
	b := computeFinishedData(params, secret, transcript)
	require.Len(t, a, params.Hash.Size())
	require.Equal(t, a, b)

	transcript[0] ^= 0xff
	require.NotEqual(t, a, computeFinishedData(params, secret, transcript))
}

func TestTrafficKeyUpdateRatchet(t *testing.T) {
	ctx := &cryptoContext{}
	ctx.init(cipherSuiteMap[TLS_CHACHA20_POLY1305_SHA256])

	secret := bytes.Repeat([]byte{0x42}, 32)
	old := append([]byte(nil), secret...)
	next := ctx.updateTrafficSecret(secret)
	require.Len(t, next, 32)
	require.NotEqual(t, old, next)
	// The previous generation is wiped in place.
	require.Equal(t, make([]byte, 32), secret)
}

func TestCertificateVerifyRoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	transcript := bytes.Repeat([]byte{0x5c}, 32)
	sig, err := signCertificateVerify(rand.Reader, ECDSA_P256_SHA256, priv,
		contextCertificateVerifyServer, transcript)
	require.NoError(t, err)

	err = verifyCertificateVerify(ECDSA_P256_SHA256, priv.Public(),
		contextCertificateVerifyServer, transcript, sig)
	require.NoError(t, err)

	// Client and server contexts are not interchangeable.
	err = verifyCertificateVerify(ECDSA_P256_SHA256, priv.Public(),
		contextCertificateVerifyClient, transcript, sig)
	require.Error(t, err)

	transcript[0] ^= 0x01
	err = verifyCertificateVerify(ECDSA_P256_SHA256, priv.Public(),
		contextCertificateVerifyServer, transcript, sig)
	require.Error(t, err)
}

func TestSchemeForSigner(t *testing.T) {
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	all := []SignatureScheme{ECDSA_P256_SHA256, ECDSA_P384_SHA384, ECDSA_P521_SHA512}

	scheme, err := schemeForSigner(p256, all)
	require.NoError(t, err)
	require.Equal(t, ECDSA_P256_SHA256, scheme)

	scheme, err = schemeForSigner(p384, all)
	require.NoError(t, err)
	require.Equal(t, ECDSA_P384_SHA384, scheme)

	_, err = schemeForSigner(p384, []SignatureScheme{ECDSA_P256_SHA256})
	require.Error(t, err)
}

func TestKeySetZeroize(t *testing.T) {
	params := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	ks := makeTrafficKeys(params, make([]byte, params.Hash.Size()))
	require.Len(t, ks.key, params.KeyLen)
	require.Len(t, ks.iv, params.IvLen)

	ks.zeroize()
	require.Equal(t, make([]byte, params.KeyLen), ks.key)
	require.Equal(t, make([]byte, params.IvLen), ks.iv)
}
