package turtls

import (
	"crypto/x509"

	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
)

// HandshakeMessageBody parses and serializes the body of one handshake
// message, without the four-byte message header.
type HandshakeMessageBody interface {
	Type() HandshakeType
	Marshal() ([]byte, error)
	Unmarshal(data []byte) (int, error)
}

var errMessageSyntax = errors.New("turtls: malformed handshake message")

// HandshakeMessage is a parsed-but-not-decoded message: type plus raw
// body.  The raw form is what feeds the transcript hash.
type HandshakeMessage struct {
	msgType HandshakeType
	body    []byte
}

// Marshal produces the full wire form including the header.
func (hm *HandshakeMessage) Marshal() []byte {
	if hm == nil {
		return []byte{}
	}
	msgLen := len(hm.body)
	data := make([]byte, 4+msgLen)
	data[0] = byte(hm.msgType)
	data[1] = byte(msgLen >> 16)
	data[2] = byte(msgLen >> 8)
	data[3] = byte(msgLen)
	copy(data[4:], hm.body)
	return data
}

func (hm *HandshakeMessage) ToBody() (HandshakeMessageBody, error) {
	logf(logTypeHandshake, "HandshakeMessage.toBody [%d] [%x]", hm.msgType, hm.body)

	var body HandshakeMessageBody
	switch hm.msgType {
	case HandshakeTypeClientHello:
		body = new(ClientHelloBody)
	case HandshakeTypeServerHello:
		body = new(ServerHelloBody)
	case HandshakeTypeEncryptedExtensions:
		body = new(EncryptedExtensionsBody)
	case HandshakeTypeCertificate:
		body = new(CertificateBody)
	case HandshakeTypeCertificateRequest:
		body = new(CertificateRequestBody)
	case HandshakeTypeCertificateVerify:
		body = new(CertificateVerifyBody)
	case HandshakeTypeFinished:
		body = &FinishedBody{VerifyDataLen: len(hm.body)}
	case HandshakeTypeKeyUpdate:
		body = new(KeyUpdateBody)
	default:
		return nil, errors.Errorf("turtls: unsupported message type %d", hm.msgType)
	}

	read, err := body.Unmarshal(hm.body)
	if err != nil {
		return nil, err
	}
	if read < len(hm.body) {
		return nil, errMessageSyntax
	}
	return body, nil
}

func HandshakeMessageFromBody(body HandshakeMessageBody) (*HandshakeMessage, error) {
	data, err := body.Marshal()
	if err != nil {
		return nil, err
	}
	return &HandshakeMessage{
		msgType: body.Type(),
		body:    data,
	}, nil
}

///// ClientHello

type ClientHelloBody struct {
	Random          [32]byte
	LegacySessionID []byte
	CipherSuites    []CipherSuite
	Extensions      ExtensionList
}

func (ch ClientHelloBody) Type() HandshakeType {
	return HandshakeTypeClientHello
}

func (ch ClientHelloBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(tls12Version)
	b.AddBytes(ch.Random[:])
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(ch.LegacySessionID)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, suite := range ch.CipherSuites {
			b.AddUint16(uint16(suite))
		}
	})
	// legacy_compression_methods = [null]
	b.AddUint8(1)
	b.AddUint8(0)
	ch.Extensions.marshalTo(&b)
	return b.Bytes()
}

func (ch *ClientHelloBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)

	var legacyVersion uint16
	var sessionID, suites, compression cryptobyte.String
	if !s.ReadUint16(&legacyVersion) ||
		!s.CopyBytes(ch.Random[:]) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&suites) ||
		!s.ReadUint8LengthPrefixed(&compression) {
		return 0, errMessageSyntax
	}
	if legacyVersion != tls12Version {
		return 0, errors.New("turtls: unsupported legacy version")
	}
	if len(sessionID) > 32 || suites.Empty() || len(suites)%2 != 0 {
		return 0, errMessageSyntax
	}
	// Compression must offer exactly the null method.
	if len(compression) != 1 || compression[0] != 0 {
		return 0, errors.New("turtls: compression offered")
	}

	ch.LegacySessionID = []byte(sessionID)
	ch.CipherSuites = nil
	for !suites.Empty() {
		var suite uint16
		suites.ReadUint16(&suite)
		ch.CipherSuites = append(ch.CipherSuites, CipherSuite(suite))
	}
	if err := ch.Extensions.unmarshalFrom(&s); err != nil {
		return 0, err
	}
	return len(data) - len(s), nil
}

///// ServerHello

// hrrRandomSentinel is the fixed Random of a HelloRetryRequest.  We do
// not negotiate through retries, so a ServerHello carrying it is
// rejected outright.
var hrrRandomSentinel = [32]byte{
	0xcf, 0x21, 0xad, 0x74, 0xe5, 0x9a, 0x61, 0x11,
	0xbe, 0x1d, 0x8c, 0x02, 0x1e, 0x65, 0xb8, 0x91,
	0xc2, 0xa2, 0x11, 0x16, 0x7a, 0xbb, 0x8c, 0x5e,
	0x07, 0x9e, 0x09, 0xe2, 0xc8, 0xa8, 0x33, 0x9c,
}

type ServerHelloBody struct {
	Random              [32]byte
	LegacySessionIDEcho []byte
	CipherSuite         CipherSuite
	Extensions          ExtensionList
}

func (sh ServerHelloBody) Type() HandshakeType {
	return HandshakeTypeServerHello
}

func (sh ServerHelloBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(tls12Version)
	b.AddBytes(sh.Random[:])
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(sh.LegacySessionIDEcho)
	})
	b.AddUint16(uint16(sh.CipherSuite))
	b.AddUint8(0) // legacy_compression_method
	sh.Extensions.marshalTo(&b)
	return b.Bytes()
}

func (sh *ServerHelloBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)

	var legacyVersion, suite uint16
	var sessionID cryptobyte.String
	var compression uint8
	if !s.ReadUint16(&legacyVersion) ||
		!s.CopyBytes(sh.Random[:]) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16(&suite) ||
		!s.ReadUint8(&compression) {
		return 0, errMessageSyntax
	}
	if legacyVersion != tls12Version || compression != 0 || len(sessionID) > 32 {
		return 0, errMessageSyntax
	}

	sh.LegacySessionIDEcho = []byte(sessionID)
	sh.CipherSuite = CipherSuite(suite)
	if err := sh.Extensions.unmarshalFrom(&s); err != nil {
		return 0, err
	}
	return len(data) - len(s), nil
}

///// EncryptedExtensions

type EncryptedExtensionsBody struct {
	Extensions ExtensionList
}

func (ee EncryptedExtensionsBody) Type() HandshakeType {
	return HandshakeTypeEncryptedExtensions
}

func (ee EncryptedExtensionsBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	ee.Extensions.marshalTo(&b)
	return b.Bytes()
}

func (ee *EncryptedExtensionsBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	if err := ee.Extensions.unmarshalFrom(&s); err != nil {
		return 0, err
	}
	return len(data) - len(s), nil
}

///// Certificate

type CertificateEntry struct {
	CertData   *x509.Certificate
	Extensions ExtensionList
}

type CertificateBody struct {
	CertificateRequestContext []byte
	CertificateList           []CertificateEntry
}

func (c CertificateBody) Type() HandshakeType {
	return HandshakeTypeCertificate
}

func (c CertificateBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(c.CertificateRequestContext)
	})
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, entry := range c.CertificateList {
			b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(entry.CertData.Raw)
			})
			entry.Extensions.marshalTo(b)
		}
	})
	return b.Bytes()
}

func (c *CertificateBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)

	var context, list cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&context) || !s.ReadUint24LengthPrefixed(&list) {
		return 0, errMessageSyntax
	}
	c.CertificateRequestContext = []byte(context)
	c.CertificateList = nil
	for !list.Empty() {
		var certData cryptobyte.String
		if !list.ReadUint24LengthPrefixed(&certData) || certData.Empty() {
			return 0, errMessageSyntax
		}
		cert, err := x509.ParseCertificate([]byte(certData))
		if err != nil {
			return 0, errors.Wrap(err, "turtls: certificate parse")
		}
		entry := CertificateEntry{CertData: cert}
		if err := entry.Extensions.unmarshalFrom(&list); err != nil {
			return 0, err
		}
		c.CertificateList = append(c.CertificateList, entry)
	}
	return len(data) - len(s), nil
}

///// CertificateRequest

type CertificateRequestBody struct {
	CertificateRequestContext []byte
	Extensions                ExtensionList
}

func (cr CertificateRequestBody) Type() HandshakeType {
	return HandshakeTypeCertificateRequest
}

func (cr CertificateRequestBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(cr.CertificateRequestContext)
	})
	cr.Extensions.marshalTo(&b)
	return b.Bytes()
}

func (cr *CertificateRequestBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var context cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&context) {
		return 0, errMessageSyntax
	}
	cr.CertificateRequestContext = []byte(context)
	if err := cr.Extensions.unmarshalFrom(&s); err != nil {
		return 0, err
	}
	return len(data) - len(s), nil
}

///// CertificateVerify

type CertificateVerifyBody struct {
	Algorithm SignatureScheme
	Signature []byte
}

func (cv CertificateVerifyBody) Type() HandshakeType {
	return HandshakeTypeCertificateVerify
}

func (cv CertificateVerifyBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(uint16(cv.Algorithm))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(cv.Signature)
	})
	return b.Bytes()
}

func (cv *CertificateVerifyBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var alg uint16
	var sig cryptobyte.String
	if !s.ReadUint16(&alg) || !s.ReadUint16LengthPrefixed(&sig) || sig.Empty() {
		return 0, errMessageSyntax
	}
	cv.Algorithm = SignatureScheme(alg)
	cv.Signature = []byte(sig)
	return len(data) - len(s), nil
}

///// Finished

// FinishedBody has no internal structure; its length is the hash length
// of the negotiated suite, which the caller must set before Unmarshal.
type FinishedBody struct {
	VerifyDataLen int
	VerifyData    []byte
}

func (fin FinishedBody) Type() HandshakeType {
	return HandshakeTypeFinished
}

func (fin FinishedBody) Marshal() ([]byte, error) {
	if len(fin.VerifyData) != fin.VerifyDataLen {
		return nil, errors.New("turtls: Finished length mismatch")
	}
	return append([]byte{}, fin.VerifyData...), nil
}

func (fin *FinishedBody) Unmarshal(data []byte) (int, error) {
	if len(data) < fin.VerifyDataLen {
		return 0, errMessageSyntax
	}
	fin.VerifyData = append([]byte{}, data[:fin.VerifyDataLen]...)
	return fin.VerifyDataLen, nil
}

///// KeyUpdate

type KeyUpdateBody struct {
	KeyUpdateRequest KeyUpdateRequest
}

func (ku KeyUpdateBody) Type() HandshakeType {
	return HandshakeTypeKeyUpdate
}

func (ku KeyUpdateBody) Marshal() ([]byte, error) {
	return []byte{byte(ku.KeyUpdateRequest)}, nil
}

func (ku *KeyUpdateBody) Unmarshal(data []byte) (int, error) {
	if len(data) != 1 || data[0] > byte(KeyUpdateRequested) {
		return 0, errMessageSyntax
	}
	ku.KeyUpdateRequest = KeyUpdateRequest(data[0])
	return 1, nil
}
