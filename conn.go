package turtls

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

const defaultHandshakeTimeout = 10 * time.Second

// Certificate is a leaf-first chain plus its signing key.
type Certificate struct {
	Chain      []*x509.Certificate
	PrivateKey crypto.Signer
}

// Config is the long-lived configuration shared by any number of
// connections.  Zero values get sane defaults at handshake time; a
// field set to a non-nil empty slice is an explicit (and invalid)
// "nothing enabled".
type Config struct {
	// Client fields
	ServerName            string
	RootCAs               *x509.CertPool
	InsecureSkipVerify    bool
	VerifyPeerCertificate func(chain []*x509.Certificate) error
	SessionDB             *SessionStore

	// Server fields
	Certificates      []*Certificate
	RequireClientAuth bool

	// Shared fields
	NextProtos       []string
	CipherSuites     []CipherSuite
	Groups           []NamedGroup
	SignatureSchemes []SignatureScheme

	// Timeout bounds how long a single record read or write may wait
	// for the transport.  Zero means the default, not forever.
	Timeout time.Duration
	Clock   clock.Clock
	Rand    io.Reader
}

var (
	defaultSupportedCipherSuites = []CipherSuite{
		TLS_AES_128_GCM_SHA256,
		TLS_AES_256_GCM_SHA384,
		TLS_CHACHA20_POLY1305_SHA256,
	}
	defaultSupportedGroups = []NamedGroup{
		X25519MLKEM768,
		X25519,
		P256,
	}
	defaultSignatureSchemes = []SignatureScheme{
		ECDSA_P256_SHA256,
		ECDSA_P384_SHA384,
		ECDSA_P521_SHA512,
	}
)

// Init fills in defaults.  Idempotent.
func (c *Config) Init() {
	if c.CipherSuites == nil {
		c.CipherSuites = defaultSupportedCipherSuites
	}
	if c.Groups == nil {
		c.Groups = defaultSupportedGroups
	}
	if c.SignatureSchemes == nil {
		c.SignatureSchemes = defaultSignatureSchemes
	}
	if c.Timeout == 0 {
		c.Timeout = defaultHandshakeTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
}

func (c *Config) validate(isClient bool, opts ConnectionOptions) ConfigErrorKind {
	if len(c.CipherSuites) == 0 {
		return ConfigErrorMissingCipherSuites
	}
	if len(c.Groups) == 0 {
		return ConfigErrorMissingGroups
	}
	if len(c.SignatureSchemes) == 0 {
		return ConfigErrorMissingSignatureSchemes
	}
	for _, suite := range c.CipherSuites {
		if _, ok := cipherSuiteMap[suite]; !ok {
			return ConfigErrorMissingCipherSuites
		}
	}
	if isClient {
		if opts.ServerName == "" && !c.InsecureSkipVerify {
			return ConfigErrorMissingServerName
		}
	} else {
		if len(c.Certificates) == 0 {
			return ConfigErrorMissingCertificate
		}
		for _, cert := range c.Certificates {
			if len(cert.Chain) == 0 || cert.PrivateKey == nil {
				return ConfigErrorMissingCertificate
			}
		}
	}
	return ConfigErrorNone
}

// certificateFor picks the certificate matching the requested name,
// falling back to the first one configured.
func (c *Config) certificateFor(serverName string) (*Certificate, error) {
	if len(c.Certificates) == 0 {
		return nil, errors.New("turtls: no certificates configured")
	}
	if serverName != "" {
		for _, cert := range c.Certificates {
			if cert.Chain[0].VerifyHostname(serverName) == nil {
				return cert, nil
			}
		}
	}
	return c.Certificates[0], nil
}

// ConnectionState is a snapshot of an established connection.
type ConnectionState struct {
	HandshakeState   State
	CipherSuite      CipherSuite
	Group            NamedGroup
	NextProto        string
	ServerName       string
	PeerCertificates []*x509.Certificate
}

// Conn is a single TLS endpoint over some Transport.  A Conn is
// allocated once and reused: Close wipes all key material and returns
// it to the idle phase, ready for another handshake.
//
// A Conn is not safe for concurrent use; callers serialize access.
type Conn struct {
	config   *Config
	opts     ConnectionOptions
	isClient bool
	phase    Phase
	result   ShakeResult

	transport Transport
	in, out   *RecordLayer
	hsCtx     *HandshakeContext
	connected *stateConnected

	readBuffer []byte
}

// NewConn allocates a connection bound to config.  No I/O happens until
// a handshake is started.
func NewConn(config *Config) *Conn {
	return &Conn{
		config: config,
		phase:  PhaseIdle,
		opts: ConnectionOptions{
			ServerName: config.ServerName,
			NextProtos: config.NextProtos,
		},
	}
}

// SetServerName overrides the configured server name for this
// connection only.
func (c *Conn) SetServerName(name string) {
	c.opts.ServerName = name
}

// SetAlpnProtocols overrides the configured ALPN offer for this
// connection only.
func (c *Conn) SetAlpnProtocols(protos []string) {
	c.opts.NextProtos = protos
}

func (c *Conn) Phase() Phase {
	return c.phase
}

// HandshakeResult returns the outcome of the most recent handshake.
func (c *Conn) HandshakeResult() ShakeResult {
	return c.result
}

// ClientHandshake runs a client handshake over t.  The returned result
// is a closed set of outcomes; c remains reusable whatever happens.
func (c *Conn) ClientHandshake(t Transport) ShakeResult {
	return c.handshake(t, true)
}

// ServerHandshake runs a server handshake over t.
func (c *Conn) ServerHandshake(t Transport) ShakeResult {
	return c.handshake(t, false)
}

func (c *Conn) handshake(t Transport, isClient bool) ShakeResult {
	if c.phase != PhaseIdle {
		c.reset()
	}
	c.isClient = isClient
	c.config.Init()

	if kind := c.config.validate(isClient, c.opts); kind != ConfigErrorNone {
		logf(logTypeHandshake, "%s invalid config: %s", c.label(), kind)
		c.result = shakeConfigError(kind)
		return c.result
	}

	c.transport = t
	c.in = NewRecordLayer(t, c.config.Clock, c.config.Timeout)
	c.out = NewRecordLayer(t, c.config.Clock, c.config.Timeout)
	c.hsCtx = &HandshakeContext{
		hIn:        NewHandshakeLayer(c.in),
		hOut:       NewHandshakeLayer(c.out),
		transcript: &transcriptHasher{},
		crypto:     &cryptoContext{},
	}
	c.hsCtx.hIn.AttachTranscript(c.hsCtx.transcript)
	c.hsCtx.hOut.AttachTranscript(c.hsCtx.transcript)
	c.phase = PhaseHandshaking

	var state HandshakeState
	if isClient {
		state = clientStateStart{Config: c.config, Opts: c.opts, hsCtx: c.hsCtx}
	} else {
		state = serverStateStart{Config: c.config, hsCtx: c.hsCtx}
	}

	for {
		var reader handshakeMessageReader = c.hsCtx.hIn
		if _, ok := state.(clientStateStart); ok {
			// The first client transition produces the ClientHello out
			// of thin air.
			reader = nil
		}
		nextState, actions, err := state.Next(reader)
		if err != nil {
			return c.abortHandshake(err)
		}
		for _, action := range actions {
			if err := c.takeAction(action); err != nil {
				return c.abortHandshake(err)
			}
		}
		state = nextState
		logf(logTypeHandshake, "%s state -> %s", c.label(), state.State())

		if conn, ok := state.(stateConnected); ok {
			c.connected = &conn
			break
		}
	}

	// Post-handshake messages stay out of the transcript.
	c.hsCtx.hIn.AttachTranscript(nil)
	c.hsCtx.hOut.AttachTranscript(nil)

	c.phase = PhaseEstablished
	c.result = shakeOk()
	logf(logTypeHandshake, "%s handshake complete: suite=%04x group=%04x proto=%q",
		c.label(), uint16(c.connected.Params.CipherSuite), uint16(c.connected.Params.Group), c.connected.Params.NextProto)
	return c.result
}

// abortHandshake classifies a handshake failure, notifies the peer when
// an alert applies, wipes key material and leaves the Conn reusable.
func (c *Conn) abortHandshake(err error) ShakeResult {
	logf(logTypeHandshake, "%s handshake aborted: %v", c.label(), err)

	var received ReceivedAlertError
	var alert Alert
	switch {
	case errors.As(err, &received):
		c.result = shakeReceivedAlert(received.Alert)
	case errors.As(err, &alert):
		c.sendAlert(alert)
		c.result = shakeSentAlert(alert)
	case errors.Is(err, ErrIoFailure):
		c.result = shakeStatus(ShakeIoError)
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrWouldBlock):
		c.result = shakeStatus(ShakeTimeout)
	case errors.Is(err, errRngFailure):
		c.result = shakeStatus(ShakeRngError)
	case errors.Is(err, errPrivKeyIsZero):
		c.result = shakeStatus(ShakePrivKeyIsZero)
	case errors.Is(err, errDecryptFailed):
		c.sendAlert(AlertBadRecordMAC)
		c.result = shakeSentAlert(AlertBadRecordMAC)
	case errors.Is(err, errRecordOverflow):
		c.sendAlert(AlertRecordOverflow)
		c.result = shakeSentAlert(AlertRecordOverflow)
	case errors.Is(err, errBadRecordPad), errors.Is(err, errUnexpectedRecord):
		c.sendAlert(AlertUnexpectedMessage)
		c.result = shakeSentAlert(AlertUnexpectedMessage)
	default:
		c.sendAlert(AlertInternalError)
		c.result = shakeSentAlert(AlertInternalError)
	}

	c.reset()
	c.phase = PhaseClosed
	return c.result
}

func (c *Conn) takeAction(actionGeneric HandshakeAction) error {
	switch action := actionGeneric.(type) {
	case QueueHandshakeMessage:
		logf(logTypeHandshake, "%s queuing handshake message type=%v", c.label(), action.Message.msgType)
		c.hsCtx.hOut.QueueMessage(action.Message)

	case SendQueuedHandshake:
		if err := c.hsCtx.hOut.SendQueuedMessages(); err != nil {
			logf(logTypeHandshake, "%s error sending handshake flight: %v", c.label(), err)
			return err
		}

	case SendChangeCipherSpec:
		err := c.out.WriteRecord(&TLSPlaintext{
			contentType: RecordTypeChangeCipherSpec,
			fragment:    []byte{1},
		})
		if err != nil {
			return err
		}

	case RekeyIn:
		logf(logTypeHandshake, "%s rekeying in to %s", c.label(), action.epoch.label())
		if err := c.in.Rekey(action.epoch, action.KeySet); err != nil {
			logf(logTypeHandshake, "%s unable to rekey inbound: %v", c.label(), err)
			return error(AlertInternalError)
		}

	case RekeyOut:
		logf(logTypeHandshake, "%s rekeying out to %s", c.label(), action.epoch.label())
		if err := c.out.Rekey(action.epoch, action.KeySet); err != nil {
			logf(logTypeHandshake, "%s unable to rekey outbound: %v", c.label(), err)
			return error(AlertInternalError)
		}

	case StoreSession:
		// Store failures are logged, never fatal to the connection.
		if c.config.SessionDB != nil {
			if err := c.config.SessionDB.CheckAndStore(action.Record); err != nil {
				logf(logTypeHandshake, "%s session store: %v", c.label(), err)
			}
		}

	default:
		logf(logTypeHandshake, "%s unknown action type", c.label())
		assertTrue(false)
		return error(AlertInternalError)
	}

	return nil
}

var (
	// ErrNotEstablished is returned for Read/Write outside the
	// established phase.
	ErrNotEstablished = errors.New("turtls: connection is not established")
	// ErrClosed is returned once the peer has closed cleanly.
	ErrClosed = errors.New("turtls: connection closed by peer")
)

// Read decrypts application data into buffer.  Post-handshake messages
// (KeyUpdate, session tickets) are consumed transparently.
func (c *Conn) Read(buffer []byte) (int, error) {
	if c.phase != PhaseEstablished {
		return 0, ErrNotEstablished
	}

	for len(c.readBuffer) == 0 {
		pt, err := c.in.ReadRecord()
		if err != nil {
			return 0, c.readError(err)
		}
		switch pt.contentType {
		case RecordTypeApplicationData:
			c.readBuffer = append(c.readBuffer, pt.fragment...)

		case RecordTypeHandshake:
			if err := c.handlePostHandshake(pt.fragment); err != nil {
				var alert Alert
				if errors.As(err, &alert) {
					c.sendAlert(alert)
					c.reset()
					c.phase = PhaseClosed
					return 0, alert
				}
				return 0, err
			}

		case RecordTypeChangeCipherSpec:
			logf(logTypeIO, "%s ignoring change_cipher_spec record", c.label())

		default:
			c.sendAlert(AlertUnexpectedMessage)
			c.reset()
			c.phase = PhaseClosed
			return 0, errUnexpectedRecord
		}
	}

	n := copy(buffer, c.readBuffer)
	c.readBuffer = c.readBuffer[n:]
	return n, nil
}

func (c *Conn) readError(err error) error {
	var received ReceivedAlertError
	if errors.As(err, &received) {
		if received.Alert == AlertCloseNotify {
			logf(logTypeIO, "%s peer closed the connection", c.label())
			c.reset()
			c.phase = PhaseClosed
			return ErrClosed
		}
		c.reset()
		c.phase = PhaseClosed
		return received
	}
	if errors.Is(err, errDecryptFailed) {
		c.sendAlert(AlertBadRecordMAC)
		c.reset()
		c.phase = PhaseClosed
	}
	if errors.Is(err, errUnexpectedRecord) {
		c.sendAlert(AlertUnexpectedMessage)
		c.reset()
		c.phase = PhaseClosed
	}
	return err
}

// handlePostHandshake feeds a handshake record received after the
// handshake into the connected state.
func (c *Conn) handlePostHandshake(fragment []byte) error {
	hIn := c.hsCtx.hIn
	hIn.buffer = append(hIn.buffer, fragment...)
	for {
		hm := hIn.extractMessage()
		if hm == nil {
			return nil
		}
		actions, err := c.connected.ProcessMessage(hm)
		if err != nil {
			return err
		}
		for _, action := range actions {
			if err := c.takeAction(action); err != nil {
				return err
			}
		}
	}
}

// Write encrypts and sends application data, fragmenting as needed.
func (c *Conn) Write(buffer []byte) (int, error) {
	if c.phase != PhaseEstablished {
		return 0, ErrNotEstablished
	}

	written := 0
	for written < len(buffer) {
		chunk := buffer[written:]
		if len(chunk) > maxFragmentLen {
			chunk = chunk[:maxFragmentLen]
		}
		err := c.out.WriteRecord(&TLSPlaintext{
			contentType: RecordTypeApplicationData,
			fragment:    chunk,
		})
		if err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

// SendKeyUpdate rolls our send keys, optionally asking the peer to roll
// theirs.
func (c *Conn) SendKeyUpdate(requestUpdate bool) error {
	if c.phase != PhaseEstablished {
		return ErrNotEstablished
	}
	request := KeyUpdateNotRequested
	if requestUpdate {
		request = KeyUpdateRequested
	}
	actions, err := c.connected.KeyUpdate(request)
	if err != nil {
		return err
	}
	for _, action := range actions {
		if err := c.takeAction(action); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) sendAlert(a Alert) {
	if c.out == nil {
		return
	}
	logf(logTypeIO, "%s sending alert: %s", c.label(), a)
	if err := c.out.SendAlert(a); err != nil {
		logf(logTypeIO, "%s failed to send alert: %v", c.label(), err)
	}
}

// Close notifies the peer, wipes all key material and returns the Conn
// to the idle phase.  The transport itself belongs to the caller.
func (c *Conn) Close() error {
	if c.phase == PhaseEstablished {
		c.sendAlert(AlertCloseNotify)
	}
	c.reset()
	return nil
}

// reset zeroizes everything this connection derived and makes the Conn
// reusable.
func (c *Conn) reset() {
	if c.in != nil {
		c.in.DropKeys()
	}
	if c.out != nil {
		c.out.DropKeys()
	}
	if c.hsCtx != nil && c.hsCtx.crypto != nil {
		c.hsCtx.crypto.zeroizeAll()
	}
	if c.connected != nil {
		zeroize(c.connected.clientTrafficSecret)
		zeroize(c.connected.serverTrafficSecret)
		c.connected = nil
	}
	zeroize(c.readBuffer)
	c.readBuffer = nil
	c.hsCtx = nil
	c.in = nil
	c.out = nil
	c.transport = nil
	c.phase = PhaseIdle
}

// ConnectionState returns the negotiated parameters.  Only meaningful
// once established.
func (c *Conn) ConnectionState() ConnectionState {
	if c.connected == nil {
		return ConnectionState{}
	}
	return ConnectionState{
		HandshakeState:   c.connected.State(),
		CipherSuite:      c.connected.Params.CipherSuite,
		Group:            c.connected.Params.Group,
		NextProto:        c.connected.Params.NextProto,
		ServerName:       c.connected.Params.ServerName,
		PeerCertificates: c.connected.peerCertificates,
	}
}

func (c *Conn) label() string {
	if c.isClient {
		return "[client]"
	}
	return "[server]"
}
