package turtls

// Protocol constants from RFC 8446.  The record layer always stamps the
// legacy TLS 1.2 version on the wire; the real version is negotiated through
// the supported_versions extension.

const (
	tls12Version uint16 = 0x0303
	tls13Version uint16 = 0x0304

	legacyRecordVersion = tls12Version
)

type RecordType byte

const (
	RecordTypeChangeCipherSpec RecordType = 20
	RecordTypeAlert            RecordType = 21
	RecordTypeHandshake        RecordType = 22
	RecordTypeApplicationData  RecordType = 23
)

type HandshakeType byte

const (
	HandshakeTypeClientHello         HandshakeType = 1
	HandshakeTypeServerHello         HandshakeType = 2
	HandshakeTypeNewSessionTicket    HandshakeType = 4
	HandshakeTypeEndOfEarlyData      HandshakeType = 5
	HandshakeTypeEncryptedExtensions HandshakeType = 8
	HandshakeTypeCertificate         HandshakeType = 11
	HandshakeTypeCertificateRequest  HandshakeType = 13
	HandshakeTypeCertificateVerify   HandshakeType = 15
	HandshakeTypeFinished            HandshakeType = 20
	HandshakeTypeKeyUpdate           HandshakeType = 24
	HandshakeTypeMessageHash         HandshakeType = 254
)

type CipherSuite uint16

const (
	TLS_AES_128_GCM_SHA256       CipherSuite = 0x1301
	TLS_AES_256_GCM_SHA384       CipherSuite = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 CipherSuite = 0x1303
)

type NamedGroup uint16

const (
	P256           NamedGroup = 23
	P384           NamedGroup = 24
	P521           NamedGroup = 25
	X25519         NamedGroup = 29
	X448           NamedGroup = 30
	X25519MLKEM768 NamedGroup = 0x11ec
)

type SignatureScheme uint16

const (
	ECDSA_P256_SHA256 SignatureScheme = 0x0403
	ECDSA_P384_SHA384 SignatureScheme = 0x0503
	ECDSA_P521_SHA512 SignatureScheme = 0x0603
)

type ExtensionType uint16

const (
	ExtensionTypeServerName          ExtensionType = 0
	ExtensionTypeSupportedGroups     ExtensionType = 10
	ExtensionTypeSignatureAlgorithms ExtensionType = 13
	ExtensionTypeALPN                ExtensionType = 16
	ExtensionTypeSupportedVersions   ExtensionType = 43
	ExtensionTypeKeyShare            ExtensionType = 51
)

type KeyUpdateRequest byte

const (
	KeyUpdateNotRequested KeyUpdateRequest = 0
	KeyUpdateRequested    KeyUpdateRequest = 1
)

// Record-layer size limits, RFC 8446 Section 5.1 and 5.2.
const (
	recordHeaderLen     = 5
	maxFragmentLen      = 1 << 14
	maxCiphertextLen    = maxFragmentLen + 256
	handshakeHeaderLen  = 4
	maxHandshakeBodyLen = 1 << 24
)

// Epoch identifies which generation of traffic keys a record layer is using.
type Epoch uint8

const (
	EpochClear Epoch = iota
	EpochHandshakeData
	EpochApplicationData
	EpochUpdate
)

func (e Epoch) label() string {
	switch e {
	case EpochClear:
		return "clear"
	case EpochHandshakeData:
		return "handshake"
	case EpochApplicationData:
		return "application"
	case EpochUpdate:
		return "update"
	}
	return "unknown"
}

// State is the handshake state of a connection, following the state machine
// naming of RFC 8446 Appendix A.
type State uint8

const (
	StateInit State = iota
	StateClientStart
	StateClientWaitSH
	StateClientWaitEE
	StateClientWaitCertCR
	StateClientWaitCert
	StateClientWaitCV
	StateClientWaitFinished
	StateClientConnected
	StateServerStart
	StateServerNegotiated
	StateServerWaitFlight2
	StateServerWaitCert
	StateServerWaitCV
	StateServerWaitFinished
	StateServerConnected
)

func (s State) String() string {
	switch s {
	case StateClientStart:
		return "Client START"
	case StateClientWaitSH:
		return "Client WAIT_SH"
	case StateClientWaitEE:
		return "Client WAIT_EE"
	case StateClientWaitCertCR:
		return "Client WAIT_CERT_CR"
	case StateClientWaitCert:
		return "Client WAIT_CERT"
	case StateClientWaitCV:
		return "Client WAIT_CV"
	case StateClientWaitFinished:
		return "Client WAIT_FINISHED"
	case StateClientConnected:
		return "Client CONNECTED"
	case StateServerStart:
		return "Server START"
	case StateServerNegotiated:
		return "Server NEGOTIATED"
	case StateServerWaitFlight2:
		return "Server WAIT_FLIGHT2"
	case StateServerWaitCert:
		return "Server WAIT_CERT"
	case StateServerWaitCV:
		return "Server WAIT_CV"
	case StateServerWaitFinished:
		return "Server WAIT_FINISHED"
	case StateServerConnected:
		return "Server CONNECTED"
	default:
		return "Unknown state"
	}
}

// Phase is the lifecycle phase of a Conn.  A Conn is reusable: closing an
// established or failed connection zeroizes its secrets and returns it to
// PhaseIdle, ready for a fresh handshake.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseHandshaking
	PhaseEstablished
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseEstablished:
		return "established"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

func assertTrue(b bool) {
	if !b {
		panic("assertion failed")
	}
}
