package turtls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
)

func sniExt(name string) *ServerNameExtension {
	sni := ServerNameExtension(name)
	return &sni
}

func roundTripExtension(t *testing.T, src, dst ExtensionBody) {
	t.Helper()
	data, err := src.Marshal()
	require.NoError(t, err)
	read, err := dst.Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, len(data), read)
}

func TestServerNameExtension(t *testing.T) {
	src := ServerNameExtension("example.com")
	var dst ServerNameExtension
	roundTripExtension(t, &src, &dst)
	assert.Equal(t, src, dst)

	// Internationalized names go on the wire in A-label form.
	idn := ServerNameExtension("bücher.example")
	data, err := idn.Marshal()
	require.NoError(t, err)
	var decoded ServerNameExtension
	_, err = decoded.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, ServerNameExtension("xn--bcher-kva.example"), decoded)

	// A ServerHello acknowledges with empty extension data.
	var ack ServerNameExtension
	read, err := ack.Unmarshal(nil)
	require.NoError(t, err)
	require.Zero(t, read)
}

func TestSupportedGroupsExtension(t *testing.T) {
	src := SupportedGroupsExtension{Groups: []NamedGroup{X25519MLKEM768, X25519, P256}}
	var dst SupportedGroupsExtension
	roundTripExtension(t, &src, &dst)
	assert.Equal(t, src.Groups, dst.Groups)

	// An odd number of bytes cannot hold a group list.
	_, err := dst.Unmarshal([]byte{0x00, 0x03, 0x00, 0x1d, 0x00})
	require.Error(t, err)
}

func TestSignatureAlgorithmsExtension(t *testing.T) {
	src := SignatureAlgorithmsExtension{Algorithms: []SignatureScheme{ECDSA_P256_SHA256, ECDSA_P384_SHA384}}
	var dst SignatureAlgorithmsExtension
	roundTripExtension(t, &src, &dst)
	assert.Equal(t, src.Algorithms, dst.Algorithms)
}

func TestALPNExtension(t *testing.T) {
	src := ALPNExtension{Protocols: []string{"h2", "http/1.1"}}
	var dst ALPNExtension
	roundTripExtension(t, &src, &dst)
	assert.Equal(t, src.Protocols, dst.Protocols)

	// Protocol names are 1..255 bytes.
	_, err := ALPNExtension{Protocols: []string{""}}.Marshal()
	require.Error(t, err)
}

func TestSupportedVersionsExtension(t *testing.T) {
	// ClientHello and ServerHello use different wire forms.
	chSrc := SupportedVersionsExtension{
		HandshakeType: HandshakeTypeClientHello,
		Versions:      []uint16{tls13Version, tls12Version},
	}
	chDst := SupportedVersionsExtension{HandshakeType: HandshakeTypeClientHello}
	roundTripExtension(t, &chSrc, &chDst)
	assert.Equal(t, chSrc.Versions, chDst.Versions)

	shSrc := SupportedVersionsExtension{
		HandshakeType: HandshakeTypeServerHello,
		Versions:      []uint16{tls13Version},
	}
	shDst := SupportedVersionsExtension{HandshakeType: HandshakeTypeServerHello}
	roundTripExtension(t, &shSrc, &shDst)
	assert.Equal(t, []uint16{tls13Version}, shDst.Versions)
}

func TestKeyShareExtension(t *testing.T) {
	chSrc := KeyShareExtension{
		HandshakeType: HandshakeTypeClientHello,
		Shares: []KeyShareEntry{
			{Group: X25519, KeyExchange: make([]byte, 32)},
			{Group: P256, KeyExchange: make([]byte, 65)},
		},
	}
	chDst := KeyShareExtension{HandshakeType: HandshakeTypeClientHello}
	roundTripExtension(t, &chSrc, &chDst)
	assert.Equal(t, chSrc.Shares, chDst.Shares)

	// Duplicate groups in a ClientHello are rejected on parse.
	dup := KeyShareExtension{
		HandshakeType: HandshakeTypeClientHello,
		Shares: []KeyShareEntry{
			{Group: X25519, KeyExchange: make([]byte, 32)},
			{Group: X25519, KeyExchange: make([]byte, 32)},
		},
	}
	data, err := dup.Marshal()
	require.NoError(t, err)
	_, err = chDst.Unmarshal(data)
	require.Error(t, err)

	shSrc := KeyShareExtension{
		HandshakeType: HandshakeTypeServerHello,
		Shares:        []KeyShareEntry{{Group: X25519, KeyExchange: make([]byte, 32)}},
	}
	shDst := KeyShareExtension{HandshakeType: HandshakeTypeServerHello}
	roundTripExtension(t, &shSrc, &shDst)
	assert.Equal(t, shSrc.Shares, shDst.Shares)
}

func TestExtensionListAddReplaces(t *testing.T) {
	var el ExtensionList
	require.NoError(t, el.Add(sniExt("a.example")))
	require.NoError(t, el.Add(&SupportedGroupsExtension{Groups: []NamedGroup{X25519}}))
	require.NoError(t, el.Add(sniExt("b.example")))
	require.Len(t, el, 2)

	var sni ServerNameExtension
	found, err := el.Find(&sni)
	require.True(t, found)
	require.NoError(t, err)
	assert.Equal(t, ServerNameExtension("b.example"), sni)
}

func TestExtensionListFindAbsent(t *testing.T) {
	var el ExtensionList
	require.NoError(t, el.Add(sniExt("a.example")))

	var alpn ALPNExtension
	found, err := el.Find(&alpn)
	require.False(t, found)
	require.NoError(t, err)
}

func TestExtensionListWireRoundTrip(t *testing.T) {
	var el ExtensionList
	require.NoError(t, el.Add(sniExt("example.com")))
	require.NoError(t, el.Add(&SupportedGroupsExtension{Groups: []NamedGroup{X25519, P256}}))

	var b cryptobyte.Builder
	el.marshalTo(&b)
	wire, err := b.Bytes()
	require.NoError(t, err)

	var decoded ExtensionList
	s := cryptobyte.String(wire)
	require.NoError(t, decoded.unmarshalFrom(&s))
	assert.Equal(t, el, decoded)
}

func TestExtensionListDuplicateRejected(t *testing.T) {
	var el ExtensionList
	el = append(el,
		Extension{ExtensionType: ExtensionTypeServerName, ExtensionData: nil},
		Extension{ExtensionType: ExtensionTypeServerName, ExtensionData: nil},
	)

	var b cryptobyte.Builder
	el.marshalTo(&b)
	wire, err := b.Bytes()
	require.NoError(t, err)

	var decoded ExtensionList
	s := cryptobyte.String(wire)
	require.Equal(t, errDuplicateExtension, decoded.unmarshalFrom(&s))
}
