package turtls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// messageReaderFunc feeds a state machine a canned message.
type messageReaderFunc func() (*HandshakeMessage, error)

func (f messageReaderFunc) ReadMessage() (*HandshakeMessage, error) {
	return f()
}

func messageReaderFor(t *testing.T, body HandshakeMessageBody) messageReaderFunc {
	t.Helper()
	hm, err := HandshakeMessageFromBody(body)
	require.NoError(t, err)
	return func() (*HandshakeMessage, error) { return hm, nil }
}

func waitSHState() clientStateWaitSH {
	return clientStateWaitSH{
		Config: &Config{CipherSuites: []CipherSuite{TLS_AES_128_GCM_SHA256}},
		hsCtx: &HandshakeContext{
			transcript: &transcriptHasher{},
			crypto:     &cryptoContext{},
		},
		OfferedKeys: map[NamedGroup]*keyExchangeKey{},
	}
}

func TestClientRejectsServerHelloWithoutSupportedVersions(t *testing.T) {
	sh := &ServerHelloBody{CipherSuite: TLS_AES_128_GCM_SHA256}

	_, _, err := waitSHState().Next(messageReaderFor(t, sh))
	require.Equal(t, error(AlertMissingExtension), err)
}

func TestClientRejectsServerHelloWithLegacyVersion(t *testing.T) {
	sh := &ServerHelloBody{CipherSuite: TLS_AES_128_GCM_SHA256}
	require.NoError(t, sh.Extensions.Add(&SupportedVersionsExtension{
		HandshakeType: HandshakeTypeServerHello,
		Versions:      []uint16{tls12Version},
	}))

	_, _, err := waitSHState().Next(messageReaderFor(t, sh))
	require.Equal(t, error(AlertProtocolVersion), err)
}

func TestServerRejectsClientHelloWithoutSupportedVersions(t *testing.T) {
	ch := &ClientHelloBody{CipherSuites: []CipherSuite{TLS_AES_128_GCM_SHA256}}
	state := serverStateStart{
		Config: &Config{CipherSuites: []CipherSuite{TLS_AES_128_GCM_SHA256}},
		hsCtx:  &HandshakeContext{transcript: &transcriptHasher{}, crypto: &cryptoContext{}},
	}

	_, _, err := state.Next(messageReaderFor(t, ch))
	require.Equal(t, error(AlertMissingExtension), err)

	// Announcing only 1.2 is a downgrade, not a missing extension.
	require.NoError(t, ch.Extensions.Add(&SupportedVersionsExtension{
		HandshakeType: HandshakeTypeClientHello,
		Versions:      []uint16{tls12Version},
	}))
	_, _, err = state.Next(messageReaderFor(t, ch))
	require.Equal(t, error(AlertProtocolVersion), err)
}
