package turtls

import (
	"crypto/x509"

	"github.com/pkg/errors"
)

// Marker interface for actions that an implementation should take based on
// state transitions.
type HandshakeAction interface{}

type QueueHandshakeMessage struct {
	Message *HandshakeMessage
}

type SendQueuedHandshake struct{}

// SendChangeCipherSpec emits a plaintext change_cipher_spec record for
// middlebox compatibility.  Always sent before the sender's first
// encrypted record.
type SendChangeCipherSpec struct{}

type RekeyIn struct {
	epoch  Epoch
	KeySet keySet
}

type RekeyOut struct {
	epoch  Epoch
	KeySet keySet
}

// StoreSession records negotiation results in the session store.
type StoreSession struct {
	Record SessionRecord
}

type HandshakeState interface {
	Next(handshakeMessageReader) (HandshakeState, []HandshakeAction, error)
	State() State
}

// ConnectionOptions are per-connection settings a client applies on top
// of its Config.
type ConnectionOptions struct {
	ServerName string
	NextProtos []string
}

// ConnectionParameters are the parameters negotiated for a connection.
type ConnectionParameters struct {
	UsingClientAuth bool

	CipherSuite CipherSuite
	Group       NamedGroup
	ServerName  string
	NextProto   string
}

// Working state for the handshake.
type HandshakeContext struct {
	hIn, hOut  *HandshakeLayer
	transcript *transcriptHasher
	crypto     *cryptoContext
}

// stateConnected is symmetric between client and server
type stateConnected struct {
	Params              ConnectionParameters
	hsCtx               *HandshakeContext
	isClient            bool
	cryptoParams        CipherSuiteParams
	clientTrafficSecret []byte
	serverTrafficSecret []byte
	peerCertificates    []*x509.Certificate
}

var _ HandshakeState = &stateConnected{}

func (state stateConnected) State() State {
	if state.isClient {
		return StateClientConnected
	}
	return StateServerConnected
}

func (state *stateConnected) ownTrafficSecret() *[]byte {
	if state.isClient {
		return &state.clientTrafficSecret
	}
	return &state.serverTrafficSecret
}

func (state *stateConnected) peerTrafficSecret() *[]byte {
	if state.isClient {
		return &state.serverTrafficSecret
	}
	return &state.clientTrafficSecret
}

// KeyUpdate ratchets our send keys and tells the peer, optionally
// requesting that they do the same.
func (state *stateConnected) KeyUpdate(request KeyUpdateRequest) ([]HandshakeAction, error) {
	secret := state.ownTrafficSecret()
	*secret = state.hsCtx.crypto.updateTrafficSecret(*secret)
	trafficKeys := makeTrafficKeys(state.cryptoParams, *secret)

	kum, err := HandshakeMessageFromBody(&KeyUpdateBody{KeyUpdateRequest: request})
	if err != nil {
		logf(logTypeHandshake, "[StateConnected] Error marshaling key update message: %v", err)
		return nil, AlertInternalError
	}

	toSend := []HandshakeAction{
		QueueHandshakeMessage{kum},
		SendQueuedHandshake{},
		RekeyOut{epoch: EpochUpdate, KeySet: trafficKeys},
	}
	return toSend, nil
}

// Next does nothing for this state; post-handshake messages arrive
// through ProcessMessage as the application reads.
func (state stateConnected) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, error) {
	return state, nil, nil
}

func (state *stateConnected) ProcessMessage(hm *HandshakeMessage) ([]HandshakeAction, error) {
	if hm == nil {
		logf(logTypeHandshake, "[StateConnected] Unexpected message")
		return nil, AlertUnexpectedMessage
	}

	switch hm.msgType {
	case HandshakeTypeKeyUpdate:
		bodyGeneric, err := hm.ToBody()
		if err != nil {
			logf(logTypeHandshake, "[StateConnected] Error decoding message: %v", err)
			return nil, AlertDecodeError
		}
		body := bodyGeneric.(*KeyUpdateBody)

		secret := state.peerTrafficSecret()
		*secret = state.hsCtx.crypto.updateTrafficSecret(*secret)
		trafficKeys := makeTrafficKeys(state.cryptoParams, *secret)

		toSend := []HandshakeAction{RekeyIn{epoch: EpochUpdate, KeySet: trafficKeys}}

		// If requested, roll outbound keys and send a KeyUpdate
		if body.KeyUpdateRequest == KeyUpdateRequested {
			logf(logTypeHandshake, "[StateConnected] received key update, update requested")
			moreToSend, err := state.KeyUpdate(KeyUpdateNotRequested)
			if err != nil {
				return nil, err
			}
			toSend = append(toSend, moreToSend...)
		}
		return toSend, nil

	case HandshakeTypeNewSessionTicket:
		// We do not resume, so tickets are read and dropped.  Servers
		// must never receive one.
		if !state.isClient {
			return nil, AlertUnexpectedMessage
		}
		logf(logTypeHandshake, "[StateConnected] ignoring NewSessionTicket")
		return nil, nil
	}

	logf(logTypeHandshake, "[StateConnected] Unexpected message type %v", hm.msgType)
	return nil, AlertUnexpectedMessage
}

// readMessageBody pulls the next message for a state, translating
// decode-level failures into alerts and leaving transport-level errors
// untouched for the connection to classify.
func readMessageBody(hr handshakeMessageReader, expected HandshakeType) (HandshakeMessageBody, error) {
	hm, err := hr.ReadMessage()
	if err != nil {
		return nil, err
	}
	if hm.msgType != expected {
		logf(logTypeHandshake, "expected message type %d, got %d", expected, hm.msgType)
		return nil, error(AlertUnexpectedMessage)
	}
	body, err := hm.ToBody()
	if err != nil {
		logf(logTypeHandshake, "error decoding message: %v", err)
		return nil, error(AlertDecodeError)
	}
	return body, nil
}

func alertForCertError(err error) Alert {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
		return AlertCertificateExpired
	}
	var unknownCA x509.UnknownAuthorityError
	if errors.As(err, &unknownCA) {
		return AlertUnknownCA
	}
	var hostname x509.HostnameError
	if errors.As(err, &hostname) {
		return AlertBadCertificate
	}
	return AlertBadCertificate
}
