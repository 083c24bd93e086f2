package turtls

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// pipeTransport is an in-memory Transport half.  Reads drain the peer's
// write buffer; an empty buffer reads as "not ready" and a closed pipe
// as a transport failure, matching the non-blocking contract.
type pipeTransport struct {
	name   string
	r, w   *bytes.Buffer
	rLock  *sync.Mutex
	wLock  *sync.Mutex
	closed *bool
}

func pipe() (client *pipeTransport, server *pipeTransport) {
	client = &pipeTransport{name: "client"}
	server = &pipeTransport{name: "server"}

	c2s := bytes.NewBuffer(nil)
	server.r = c2s
	client.w = c2s
	c2sLock := new(sync.Mutex)
	server.rLock = c2sLock
	client.wLock = c2sLock

	s2c := bytes.NewBuffer(nil)
	client.r = s2c
	server.w = s2c
	s2cLock := new(sync.Mutex)
	client.rLock = s2cLock
	server.wLock = s2cLock

	closed := false
	client.closed = &closed
	server.closed = &closed
	return
}

func (p *pipeTransport) Read(data []byte) int {
	p.rLock.Lock()
	defer p.rLock.Unlock()
	if p.r.Len() == 0 {
		if *p.closed {
			return -1
		}
		return 0
	}
	n, _ := p.r.Read(data)
	return n
}

func (p *pipeTransport) Write(data []byte) int {
	p.wLock.Lock()
	defer p.wLock.Unlock()
	if *p.closed {
		return -1
	}
	n, _ := p.w.Write(data)
	return n
}

func (p *pipeTransport) Close() {
	p.rLock.Lock()
	defer p.rLock.Unlock()
	*p.closed = true
}

func makeSelfSignedCert(t *testing.T, name string) (crypto.Signer, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		DNSNames:              []string{name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

const testServerName = "example.com"

func testConfigPair(t *testing.T) (clientConfig, serverConfig *Config) {
	t.Helper()
	key, cert := makeSelfSignedCert(t, testServerName)

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	clientConfig = &Config{
		ServerName: testServerName,
		RootCAs:    pool,
		Timeout:    5 * time.Second,
	}
	serverConfig = &Config{
		Certificates: []*Certificate{
			{Chain: []*x509.Certificate{cert}, PrivateKey: key},
		},
		Timeout: 5 * time.Second,
	}
	return
}

// runHandshake drives both sides over an in-memory pipe and returns the
// connections plus both results.
func runHandshake(t *testing.T, clientConfig, serverConfig *Config) (client, server *Conn, clientResult, serverResult ShakeResult) {
	t.Helper()
	cTrans, sTrans := pipe()
	client = NewConn(clientConfig)
	server = NewConn(serverConfig)

	done := make(chan ShakeResult, 1)
	go func() {
		done <- server.ServerHandshake(sTrans)
	}()
	clientResult = client.ClientHandshake(cTrans)
	serverResult = <-done
	return
}

func exchangeData(t *testing.T, client, server *Conn) {
	t.Helper()

	ping := []byte("ping")
	n, err := client.Write(ping)
	require.NoError(t, err)
	require.Equal(t, len(ping), n)

	buf := make([]byte, 64)
	n, err = server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, ping, buf[:n])

	pong := []byte("pong")
	_, err = server.Write(pong)
	require.NoError(t, err)

	n, err = client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, pong, buf[:n])
}

func TestBasicHandshake(t *testing.T) {
	suites := []CipherSuite{
		TLS_AES_128_GCM_SHA256,
		TLS_AES_256_GCM_SHA384,
		TLS_CHACHA20_POLY1305_SHA256,
	}
	groups := []NamedGroup{X25519, P256, X25519MLKEM768}

	for _, suite := range suites {
		for _, group := range groups {
			clientConfig, serverConfig := testConfigPair(t)
			clientConfig.CipherSuites = []CipherSuite{suite}
			clientConfig.Groups = []NamedGroup{group}

			client, server, cr, sr := runHandshake(t, clientConfig, serverConfig)
			require.True(t, cr.Ok(), "client: %s", cr)
			require.True(t, sr.Ok(), "server: %s", sr)

			cs := client.ConnectionState()
			ss := server.ConnectionState()
			assert.Equal(t, suite, cs.CipherSuite)
			assert.Equal(t, group, cs.Group)
			assert.Equal(t, suite, ss.CipherSuite)
			assert.Equal(t, group, ss.Group)
			assert.Equal(t, testServerName, ss.ServerName)
			require.Len(t, ss.PeerCertificates, 0)
			require.Len(t, cs.PeerCertificates, 1)

			exchangeData(t, client, server)

			client.Close()
			server.Close()
		}
	}
}

func TestALPN(t *testing.T) {
	clientConfig, serverConfig := testConfigPair(t)
	clientConfig.NextProtos = []string{"h2", "http/1.1"}
	serverConfig.NextProtos = []string{"http/1.1"}

	client, server, cr, sr := runHandshake(t, clientConfig, serverConfig)
	require.True(t, cr.Ok(), "client: %s", cr)
	require.True(t, sr.Ok(), "server: %s", sr)
	defer client.Close()
	defer server.Close()

	assert.Equal(t, "http/1.1", client.ConnectionState().NextProto)
	assert.Equal(t, "http/1.1", server.ConnectionState().NextProto)
}

func TestALPNNoOverlap(t *testing.T) {
	clientConfig, serverConfig := testConfigPair(t)
	clientConfig.NextProtos = []string{"h2"}
	serverConfig.NextProtos = []string{"http/1.1"}

	client, server, cr, sr := runHandshake(t, clientConfig, serverConfig)
	defer client.Close()
	defer server.Close()

	require.Equal(t, ShakeSentAlert, sr.Status)
	assert.Equal(t, AlertNoApplicationProtocol, sr.Alert)
	require.Equal(t, ShakeReceivedAlert, cr.Status)
	assert.Equal(t, AlertNoApplicationProtocol, cr.Alert)
}

func TestUntrustedCertificate(t *testing.T) {
	clientConfig, serverConfig := testConfigPair(t)
	// Replace the pool so the server's certificate chains to nothing.
	clientConfig.RootCAs = x509.NewCertPool()

	client, server, cr, sr := runHandshake(t, clientConfig, serverConfig)
	defer client.Close()
	defer server.Close()

	require.Equal(t, ShakeSentAlert, cr.Status)
	assert.Equal(t, AlertUnknownCA, cr.Alert)
	require.Equal(t, ShakeReceivedAlert, sr.Status)
}

func TestInsecureSkipVerify(t *testing.T) {
	clientConfig, serverConfig := testConfigPair(t)
	clientConfig.RootCAs = nil
	clientConfig.InsecureSkipVerify = true

	client, server, cr, sr := runHandshake(t, clientConfig, serverConfig)
	require.True(t, cr.Ok(), "client: %s", cr)
	require.True(t, sr.Ok(), "server: %s", sr)
	client.Close()
	server.Close()
}

func TestVerifyPeerCertificateRejected(t *testing.T) {
	clientConfig, serverConfig := testConfigPair(t)
	clientConfig.VerifyPeerCertificate = func(chain []*x509.Certificate) error {
		return errors.New("nope")
	}

	client, server, cr, sr := runHandshake(t, clientConfig, serverConfig)
	defer client.Close()
	defer server.Close()

	require.Equal(t, ShakeSentAlert, cr.Status)
	assert.Equal(t, AlertBadCertificate, cr.Alert)
	require.Equal(t, ShakeReceivedAlert, sr.Status)
}

func TestClientAuthDeclined(t *testing.T) {
	clientConfig, serverConfig := testConfigPair(t)
	serverConfig.RequireClientAuth = true

	client, server, cr, sr := runHandshake(t, clientConfig, serverConfig)
	defer client.Close()
	defer server.Close()

	// The client has no certificate and declines; with client auth
	// required the server ends the handshake.
	require.Equal(t, ShakeSentAlert, sr.Status)
	assert.Equal(t, AlertCertificateRequired, sr.Alert)
	// The client believes it is connected until it hears the alert.
	require.True(t, cr.Ok(), "client: %s", cr)
	_, err := client.Read(make([]byte, 16))
	require.Error(t, err)
}

func TestKeyUpdate(t *testing.T) {
	clientConfig, serverConfig := testConfigPair(t)
	client, server, cr, sr := runHandshake(t, clientConfig, serverConfig)
	require.True(t, cr.Ok() && sr.Ok())
	defer client.Close()
	defer server.Close()

	// Roll once without requesting a response.
	require.NoError(t, client.SendKeyUpdate(false))
	exchangeData(t, client, server)

	// Roll with a response requested; both directions move forward.
	require.NoError(t, client.SendKeyUpdate(true))
	exchangeData(t, client, server)

	// Server-initiated as well.
	require.NoError(t, server.SendKeyUpdate(true))

	pong := []byte("after-update")
	_, err := server.Write(pong)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, pong, buf[:n])

	exchangeData(t, client, server)
}

func TestCloseNotify(t *testing.T) {
	clientConfig, serverConfig := testConfigPair(t)
	client, server, cr, sr := runHandshake(t, clientConfig, serverConfig)
	require.True(t, cr.Ok() && sr.Ok())

	require.NoError(t, client.Close())
	assert.Equal(t, PhaseIdle, client.Phase())

	_, err := server.Read(make([]byte, 16))
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, PhaseClosed, server.Phase())
	server.Close()
}

func TestConnReuse(t *testing.T) {
	clientConfig, serverConfig := testConfigPair(t)
	client := NewConn(clientConfig)
	server := NewConn(serverConfig)

	for i := 0; i < 3; i++ {
		cTrans, sTrans := pipe()
		done := make(chan ShakeResult, 1)
		go func() {
			done <- server.ServerHandshake(sTrans)
		}()
		cr := client.ClientHandshake(cTrans)
		sr := <-done
		require.True(t, cr.Ok(), "round %d client: %s", i, cr)
		require.True(t, sr.Ok(), "round %d server: %s", i, sr)

		exchangeData(t, client, server)

		client.Close()
		server.Close()
		assert.Equal(t, PhaseIdle, client.Phase())
		assert.Equal(t, PhaseIdle, server.Phase())
	}
}

func TestConfigErrors(t *testing.T) {
	client := NewConn(&Config{})
	cTrans, _ := pipe()
	result := client.ClientHandshake(cTrans)
	require.Equal(t, ShakeConfigError, result.Status)
	assert.Equal(t, ConfigErrorMissingServerName, result.ConfigError)

	server := NewConn(&Config{})
	_, sTrans := pipe()
	result = server.ServerHandshake(sTrans)
	require.Equal(t, ShakeConfigError, result.Status)
	assert.Equal(t, ConfigErrorMissingCertificate, result.ConfigError)

	empty := NewConn(&Config{
		ServerName:   testServerName,
		CipherSuites: []CipherSuite{},
	})
	cTrans, _ = pipe()
	result = empty.ClientHandshake(cTrans)
	require.Equal(t, ShakeConfigError, result.Status)
	assert.Equal(t, ConfigErrorMissingCipherSuites, result.ConfigError)
}

func TestServerHelloWithoutSupportedVersions(t *testing.T) {
	clientConfig, _ := testConfigPair(t)
	cTrans, sTrans := pipe()

	// A hand-driven peer that answers the ClientHello with a
	// ServerHello carrying no extensions at all.
	peerErr := make(chan error, 1)
	go func() {
		rec := NewRecordLayer(sTrans, clock.New(), 5*time.Second)
		hs := NewHandshakeLayer(rec)

		hm, err := hs.ReadMessage()
		if err != nil {
			peerErr <- err
			return
		}
		body, err := hm.ToBody()
		if err != nil {
			peerErr <- err
			return
		}
		ch := body.(*ClientHelloBody)

		shm, err := HandshakeMessageFromBody(&ServerHelloBody{
			LegacySessionIDEcho: ch.LegacySessionID,
			CipherSuite:         TLS_AES_128_GCM_SHA256,
		})
		if err != nil {
			peerErr <- err
			return
		}
		if err := hs.SendMessage(shm); err != nil {
			peerErr <- err
			return
		}

		// The client answers in the clear; skip its compatibility CCS.
		for {
			pt, err := rec.ReadRecord()
			if err != nil {
				peerErr <- err
				return
			}
			if pt.contentType != RecordTypeChangeCipherSpec {
				peerErr <- nil
				return
			}
		}
	}()

	client := NewConn(clientConfig)
	result := client.ClientHandshake(cTrans)
	require.Equal(t, ShakeSentAlert, result.Status)
	assert.Equal(t, AlertMissingExtension, result.Alert)
	assert.Equal(t, PhaseClosed, client.Phase())

	err := <-peerErr
	var recvd ReceivedAlertError
	require.ErrorAs(t, err, &recvd)
	assert.Equal(t, AlertMissingExtension, recvd.Alert)
}

// silentTransport accepts writes and never produces data, advancing a
// mock clock on every poll so timeouts fire deterministically.
type silentTransport struct {
	clk *clock.Mock
}

func (s *silentTransport) Read(p []byte) int {
	s.clk.Add(200 * time.Millisecond)
	return 0
}

func (s *silentTransport) Write(p []byte) int { return len(p) }
func (s *silentTransport) Close()             {}

func TestHandshakeTimeout(t *testing.T) {
	clientConfig, _ := testConfigPair(t)
	mock := clock.NewMock()
	clientConfig.Clock = mock
	clientConfig.Timeout = time.Second

	client := NewConn(clientConfig)
	result := client.ClientHandshake(&silentTransport{clk: mock})
	require.Equal(t, ShakeTimeout, result.Status)
	assert.Equal(t, PhaseClosed, client.Phase())
}

// brokenTransport fails immediately.
type brokenTransport struct{}

func (brokenTransport) Read(p []byte) int  { return -1 }
func (brokenTransport) Write(p []byte) int { return -1 }
func (brokenTransport) Close()             {}

func TestTransportFailure(t *testing.T) {
	clientConfig, _ := testConfigPair(t)
	client := NewConn(clientConfig)
	result := client.ClientHandshake(brokenTransport{})
	require.Equal(t, ShakeIoError, result.Status)
}

// zeroReader hands out zero bytes forever.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestZeroPrivateKeyRejected(t *testing.T) {
	clientConfig, _ := testConfigPair(t)
	clientConfig.Rand = zeroReader{}
	clientConfig.Groups = []NamedGroup{X25519}

	client := NewConn(clientConfig)
	cTrans, sTrans := pipe()
	result := client.ClientHandshake(cTrans)
	require.Equal(t, ShakePrivKeyIsZero, result.Status)

	// Nothing may have hit the wire before the check.
	require.Equal(t, 0, sTrans.r.Len())
}

// failingReader errors on first use.
type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func TestRngError(t *testing.T) {
	clientConfig, _ := testConfigPair(t)
	clientConfig.Rand = failingReader{}

	client := NewConn(clientConfig)
	cTrans, _ := pipe()
	result := client.ClientHandshake(cTrans)
	require.Equal(t, ShakeRngError, result.Status)
}
