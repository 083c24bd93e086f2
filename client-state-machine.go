package turtls

import (
	"bytes"
	"crypto/hmac"
	"crypto/x509"
	"io"

	"github.com/pkg/errors"
)

// Client state machine, RFC 8446 Appendix A.1.  Each state is a value;
// Next consumes at most one flight and hands back the follow-on state
// plus the actions the connection must take.

type clientStateStart struct {
	Config *Config
	Opts   ConnectionOptions
	hsCtx  *HandshakeContext
}

var _ HandshakeState = &clientStateStart{}

func (state clientStateStart) State() State {
	return StateClientStart
}

func (state clientStateStart) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, error) {
	assertTrue(hr == nil)

	ch := &ClientHelloBody{}
	if _, err := io.ReadFull(state.Config.Rand, ch.Random[:]); err != nil {
		logf(logTypeHandshake, "[ClientStateStart] Error generating random: %v", err)
		return nil, nil, errRngFailure
	}
	// Non-empty legacy session ID, for middlebox compatibility.
	ch.LegacySessionID = make([]byte, 32)
	if _, err := io.ReadFull(state.Config.Rand, ch.LegacySessionID); err != nil {
		return nil, nil, errRngFailure
	}
	ch.CipherSuites = state.Config.CipherSuites

	// One fresh share per configured group.  Without retries, offering
	// everything up front is what keeps the handshake to one round trip.
	offered := map[NamedGroup]*keyExchangeKey{}
	shares := []KeyShareEntry{}
	for _, group := range state.Config.Groups {
		key, err := newKeyShare(group, state.Config.Rand)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateStart] Error generating key share: %v", err)
			for _, k := range offered {
				k.zeroize()
			}
			return nil, nil, err
		}
		offered[group] = key
		shares = append(shares, KeyShareEntry{Group: group, KeyExchange: key.public})
	}

	exts := ExtensionList{}
	if state.Opts.ServerName != "" {
		sni := ServerNameExtension(state.Opts.ServerName)
		if err := exts.Add(&sni); err != nil {
			return nil, nil, error(AlertInternalError)
		}
	}
	addErr := exts.Add(&SupportedGroupsExtension{Groups: state.Config.Groups})
	if addErr == nil {
		addErr = exts.Add(&SignatureAlgorithmsExtension{Algorithms: state.Config.SignatureSchemes})
	}
	if addErr == nil {
		addErr = exts.Add(&SupportedVersionsExtension{
			HandshakeType: HandshakeTypeClientHello,
			Versions:      []uint16{tls13Version},
		})
	}
	if addErr == nil {
		addErr = exts.Add(&KeyShareExtension{
			HandshakeType: HandshakeTypeClientHello,
			Shares:        shares,
		})
	}
	if addErr == nil && len(state.Opts.NextProtos) > 0 {
		addErr = exts.Add(&ALPNExtension{Protocols: state.Opts.NextProtos})
	}
	if addErr != nil {
		logf(logTypeHandshake, "[ClientStateStart] Error building extensions: %v", addErr)
		return nil, nil, error(AlertInternalError)
	}
	ch.Extensions = exts

	chm, err := HandshakeMessageFromBody(ch)
	if err != nil {
		logf(logTypeHandshake, "[ClientStateStart] Error marshaling ClientHello: %v", err)
		return nil, nil, error(AlertInternalError)
	}

	logf(logTypeHandshake, "[ClientStateStart] -> [ClientStateWaitSH]")
	nextState := clientStateWaitSH{
		Config:          state.Config,
		Opts:            state.Opts,
		hsCtx:           state.hsCtx,
		OfferedKeys:     offered,
		LegacySessionID: ch.LegacySessionID,
	}
	toSend := []HandshakeAction{
		QueueHandshakeMessage{chm},
		SendQueuedHandshake{},
		SendChangeCipherSpec{},
	}
	return nextState, toSend, nil
}

type clientStateWaitSH struct {
	Config          *Config
	Opts            ConnectionOptions
	hsCtx           *HandshakeContext
	OfferedKeys     map[NamedGroup]*keyExchangeKey
	LegacySessionID []byte
}

var _ HandshakeState = &clientStateWaitSH{}

func (state clientStateWaitSH) State() State {
	return StateClientWaitSH
}

func (state clientStateWaitSH) zeroizeKeys() {
	for _, k := range state.OfferedKeys {
		k.zeroize()
	}
}

func (state clientStateWaitSH) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, error) {
	bodyGeneric, err := readMessageBody(hr, HandshakeTypeServerHello)
	if err != nil {
		state.zeroizeKeys()
		return nil, nil, err
	}
	sh := bodyGeneric.(*ServerHelloBody)

	if sh.Random == hrrRandomSentinel {
		// HelloRetryRequest.  We offered a share for every group we
		// support, so a retry can only mean the server wants something
		// we do not have.
		logf(logTypeHandshake, "[ClientStateWaitSH] server requested a retry")
		state.zeroizeKeys()
		return nil, nil, error(AlertUnexpectedMessage)
	}
	if !bytes.Equal(sh.LegacySessionIDEcho, state.LegacySessionID) {
		state.zeroizeKeys()
		return nil, nil, error(AlertIllegalParameter)
	}

	params, ok := cipherSuiteMap[sh.CipherSuite]
	if !ok || !containsSuite(state.Config.CipherSuites, sh.CipherSuite) {
		logf(logTypeHandshake, "[ClientStateWaitSH] server picked suite %04x we did not offer", uint16(sh.CipherSuite))
		state.zeroizeKeys()
		return nil, nil, error(AlertIllegalParameter)
	}

	sv := SupportedVersionsExtension{HandshakeType: HandshakeTypeServerHello}
	found, err := sh.Extensions.Find(&sv)
	if !found {
		logf(logTypeHandshake, "[ClientStateWaitSH] missing supported_versions")
		state.zeroizeKeys()
		return nil, nil, error(AlertMissingExtension)
	}
	if err != nil || sv.Versions[0] != tls13Version {
		logf(logTypeHandshake, "[ClientStateWaitSH] bad supported_versions")
		state.zeroizeKeys()
		return nil, nil, error(AlertProtocolVersion)
	}

	serverShare := KeyShareExtension{HandshakeType: HandshakeTypeServerHello}
	if found, err := sh.Extensions.Find(&serverShare); !found || err != nil {
		state.zeroizeKeys()
		return nil, nil, error(AlertMissingExtension)
	}
	entry := serverShare.Shares[0]
	ourKey, ok := state.OfferedKeys[entry.Group]
	if !ok {
		logf(logTypeHandshake, "[ClientStateWaitSH] server picked group %04x we did not offer", uint16(entry.Group))
		state.zeroizeKeys()
		return nil, nil, error(AlertIllegalParameter)
	}

	dhSecret, err := ourKey.sharedSecret(entry.KeyExchange)
	state.zeroizeKeys()
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitSH] key agreement failed: %v", err)
		return nil, nil, error(AlertIllegalParameter)
	}

	// The transcript buffered CH and SH raw; fixing the suite replays
	// them into the real digest.
	state.hsCtx.transcript.SetSuite(params.Hash)
	state.hsCtx.crypto.init(params)
	state.hsCtx.crypto.computeHandshakeSecrets(dhSecret, state.hsCtx.transcript.Snapshot())
	zeroize(dhSecret)

	logf(logTypeHandshake, "[ClientStateWaitSH] -> [ClientStateWaitEE]")
	nextState := clientStateWaitEE{
		Config: state.Config,
		Opts:   state.Opts,
		hsCtx:  state.hsCtx,
		Params: ConnectionParameters{
			CipherSuite: sh.CipherSuite,
			Group:       entry.Group,
			ServerName:  state.Opts.ServerName,
		},
		cryptoParams: params,
	}
	toSend := []HandshakeAction{
		RekeyIn{
			epoch:  EpochHandshakeData,
			KeySet: makeTrafficKeys(params, state.hsCtx.crypto.serverHandshakeTrafficSecret),
		},
		RekeyOut{
			epoch:  EpochHandshakeData,
			KeySet: makeTrafficKeys(params, state.hsCtx.crypto.clientHandshakeTrafficSecret),
		},
	}
	return nextState, toSend, nil
}

type clientStateWaitEE struct {
	Config       *Config
	Opts         ConnectionOptions
	hsCtx        *HandshakeContext
	Params       ConnectionParameters
	cryptoParams CipherSuiteParams
}

var _ HandshakeState = &clientStateWaitEE{}

func (state clientStateWaitEE) State() State {
	return StateClientWaitEE
}

func (state clientStateWaitEE) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, error) {
	bodyGeneric, err := readMessageBody(hr, HandshakeTypeEncryptedExtensions)
	if err != nil {
		return nil, nil, err
	}
	ee := bodyGeneric.(*EncryptedExtensionsBody)

	// A server may only echo extension types we offered.
	for _, ext := range ee.Extensions {
		switch ext.ExtensionType {
		case ExtensionTypeServerName, ExtensionTypeSupportedGroups, ExtensionTypeALPN:
		default:
			logf(logTypeHandshake, "[ClientStateWaitEE] unsolicited extension %d", ext.ExtensionType)
			return nil, nil, error(AlertUnsupportedExtension)
		}
	}

	alpn := ALPNExtension{}
	if found, err := ee.Extensions.Find(&alpn); found {
		if err != nil || len(alpn.Protocols) != 1 {
			return nil, nil, error(AlertDecodeError)
		}
		if !containsString(state.Opts.NextProtos, alpn.Protocols[0]) {
			logf(logTypeNegotiation, "[ClientStateWaitEE] server selected protocol %q we did not offer", alpn.Protocols[0])
			return nil, nil, error(AlertIllegalParameter)
		}
		state.Params.NextProto = alpn.Protocols[0]
	}
	logf(logTypeNegotiation, "[ClientStateWaitEE] negotiated protocol %q", state.Params.NextProto)

	logf(logTypeHandshake, "[ClientStateWaitEE] -> [ClientStateWaitCertCR]")
	return clientStateWaitCertCR{
		Config:       state.Config,
		Opts:         state.Opts,
		hsCtx:        state.hsCtx,
		Params:       state.Params,
		cryptoParams: state.cryptoParams,
	}, nil, nil
}

type clientStateWaitCertCR struct {
	Config       *Config
	Opts         ConnectionOptions
	hsCtx        *HandshakeContext
	Params       ConnectionParameters
	cryptoParams CipherSuiteParams
}

var _ HandshakeState = &clientStateWaitCertCR{}

func (state clientStateWaitCertCR) State() State {
	return StateClientWaitCertCR
}

func (state clientStateWaitCertCR) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, error) {
	hm, err := hr.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	bodyGeneric, err := hm.ToBody()
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCertCR] Error decoding message: %v", err)
		return nil, nil, error(AlertDecodeError)
	}

	switch body := bodyGeneric.(type) {
	case *CertificateBody:
		logf(logTypeHandshake, "[ClientStateWaitCertCR] -> [ClientStateWaitCV]")
		next := clientStateWaitCV{
			Config:       state.Config,
			Opts:         state.Opts,
			hsCtx:        state.hsCtx,
			Params:       state.Params,
			cryptoParams: state.cryptoParams,
		}
		return next.processCertificate(body)

	case *CertificateRequestBody:
		logf(logTypeHandshake, "[ClientStateWaitCertCR] -> [ClientStateWaitCert]")
		state.Params.UsingClientAuth = true
		return clientStateWaitCert{
			Config:             state.Config,
			Opts:               state.Opts,
			hsCtx:              state.hsCtx,
			Params:             state.Params,
			cryptoParams:       state.cryptoParams,
			certRequestContext: body.CertificateRequestContext,
		}, nil, nil
	}

	return nil, nil, error(AlertUnexpectedMessage)
}

type clientStateWaitCert struct {
	Config             *Config
	Opts               ConnectionOptions
	hsCtx              *HandshakeContext
	Params             ConnectionParameters
	cryptoParams       CipherSuiteParams
	certRequestContext []byte
}

var _ HandshakeState = &clientStateWaitCert{}

func (state clientStateWaitCert) State() State {
	return StateClientWaitCert
}

func (state clientStateWaitCert) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, error) {
	bodyGeneric, err := readMessageBody(hr, HandshakeTypeCertificate)
	if err != nil {
		return nil, nil, err
	}
	next := clientStateWaitCV{
		Config:             state.Config,
		Opts:               state.Opts,
		hsCtx:              state.hsCtx,
		Params:             state.Params,
		cryptoParams:       state.cryptoParams,
		certRequestContext: state.certRequestContext,
		certRequested:      true,
	}
	return next.processCertificate(bodyGeneric.(*CertificateBody))
}

type clientStateWaitCV struct {
	Config             *Config
	Opts               ConnectionOptions
	hsCtx              *HandshakeContext
	Params             ConnectionParameters
	cryptoParams       CipherSuiteParams
	certRequestContext []byte
	certRequested      bool
	serverCertificates []*x509.Certificate
}

var _ HandshakeState = &clientStateWaitCV{}

func (state clientStateWaitCV) State() State {
	return StateClientWaitCV
}

func (state clientStateWaitCV) processCertificate(cert *CertificateBody) (HandshakeState, []HandshakeAction, error) {
	if len(cert.CertificateRequestContext) != 0 {
		// Only post-handshake auth carries a non-empty context, and we
		// never offer it.
		return nil, nil, error(AlertIllegalParameter)
	}
	if len(cert.CertificateList) == 0 {
		return nil, nil, error(AlertDecodeError)
	}
	for _, entry := range cert.CertificateList {
		state.serverCertificates = append(state.serverCertificates, entry.CertData)
	}
	logf(logTypeHandshake, "[ClientStateWaitCV] received %d certificates", len(state.serverCertificates))
	return state, nil, nil
}

func (state clientStateWaitCV) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, error) {
	// The signature covers the transcript up to and including the
	// Certificate message, so snapshot before pulling CertificateVerify.
	handshakeHash := state.hsCtx.transcript.Snapshot()

	bodyGeneric, err := readMessageBody(hr, HandshakeTypeCertificateVerify)
	if err != nil {
		return nil, nil, err
	}
	cv := bodyGeneric.(*CertificateVerifyBody)

	if !containsScheme(state.Config.SignatureSchemes, cv.Algorithm) {
		logf(logTypeHandshake, "[ClientStateWaitCV] server signed with scheme %04x we did not offer", uint16(cv.Algorithm))
		return nil, nil, error(AlertIllegalParameter)
	}

	leaf := state.serverCertificates[0]
	err = verifyCertificateVerify(cv.Algorithm, leaf.PublicKey, contextCertificateVerifyServer, handshakeHash, cv.Signature)
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCV] signature check failed: %v", err)
		return nil, nil, error(AlertDecryptError)
	}

	if !state.Config.InsecureSkipVerify {
		err = verifyChain(state.serverCertificates, state.Config.RootCAs, state.Opts.ServerName, state.Config.Clock.Now())
		if err != nil {
			logf(logTypeHandshake, "[ClientStateWaitCV] chain verification failed: %v", err)
			return nil, nil, error(alertForCertError(errors.Cause(err)))
		}
	}
	if state.Config.VerifyPeerCertificate != nil {
		if err := state.Config.VerifyPeerCertificate(state.serverCertificates); err != nil {
			logf(logTypeHandshake, "[ClientStateWaitCV] peer certificate rejected: %v", err)
			return nil, nil, error(AlertBadCertificate)
		}
	}

	logf(logTypeHandshake, "[ClientStateWaitCV] -> [ClientStateWaitFinished]")
	return clientStateWaitFinished{
		Config:             state.Config,
		hsCtx:              state.hsCtx,
		Params:             state.Params,
		cryptoParams:       state.cryptoParams,
		certRequestContext: state.certRequestContext,
		certRequested:      state.certRequested,
		serverCertificates: state.serverCertificates,
	}, nil, nil
}

type clientStateWaitFinished struct {
	Config             *Config
	hsCtx              *HandshakeContext
	Params             ConnectionParameters
	cryptoParams       CipherSuiteParams
	certRequestContext []byte
	certRequested      bool
	serverCertificates []*x509.Certificate
}

var _ HandshakeState = &clientStateWaitFinished{}

func (state clientStateWaitFinished) State() State {
	return StateClientWaitFinished
}

func (state clientStateWaitFinished) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, error) {
	crypto := state.hsCtx.crypto
	verifyBase := state.hsCtx.transcript.Snapshot()

	bodyGeneric, err := readMessageBody(hr, HandshakeTypeFinished)
	if err != nil {
		return nil, nil, err
	}
	fin := bodyGeneric.(*FinishedBody)

	expected := computeFinishedData(state.cryptoParams, crypto.serverHandshakeTrafficSecret, verifyBase)
	if !hmac.Equal(expected, fin.VerifyData) {
		logf(logTypeHandshake, "[ClientStateWaitFinished] server Finished verification failed")
		return nil, nil, error(AlertDecryptError)
	}

	// Application secrets bind to the transcript through the server's
	// Finished, before anything we send below.
	crypto.computeApplicationSecrets(state.hsCtx.transcript.Snapshot())

	if state.certRequested {
		// Decline client auth with an empty Certificate.  Queued
		// directly so it lands in the transcript before our Finished
		// is computed over it.
		certm, err := HandshakeMessageFromBody(&CertificateBody{
			CertificateRequestContext: state.certRequestContext,
		})
		if err != nil {
			return nil, nil, error(AlertInternalError)
		}
		state.hsCtx.hOut.QueueMessage(certm)
	}

	finishedData := computeFinishedData(state.cryptoParams, crypto.clientHandshakeTrafficSecret, state.hsCtx.transcript.Snapshot())
	finm, err := HandshakeMessageFromBody(&FinishedBody{
		VerifyDataLen: len(finishedData),
		VerifyData:    finishedData,
	})
	if err != nil {
		return nil, nil, error(AlertInternalError)
	}

	toSend := []HandshakeAction{
		QueueHandshakeMessage{finm},
		SendQueuedHandshake{},
		RekeyOut{
			epoch:  EpochApplicationData,
			KeySet: makeTrafficKeys(state.cryptoParams, crypto.clientTrafficSecret),
		},
		RekeyIn{
			epoch:  EpochApplicationData,
			KeySet: makeTrafficKeys(state.cryptoParams, crypto.serverTrafficSecret),
		},
	}

	if state.Config.SessionDB != nil {
		toSend = append(toSend, StoreSession{Record: SessionRecord{
			Origin:       state.Params.ServerName,
			CipherSuite:  state.Params.CipherSuite,
			Group:        state.Params.Group,
			AlpnProtocol: state.Params.NextProto,
			SPKIDigest:   spkiDigest(state.serverCertificates[0]),
			SeenAt:       state.Config.Clock.Now(),
		}})
	}

	crypto.zeroizeHandshake()

	logf(logTypeHandshake, "[ClientStateWaitFinished] -> [StateConnected]")
	nextState := stateConnected{
		Params:              state.Params,
		hsCtx:               state.hsCtx,
		isClient:            true,
		cryptoParams:        state.cryptoParams,
		clientTrafficSecret: crypto.clientTrafficSecret,
		serverTrafficSecret: crypto.serverTrafficSecret,
		peerCertificates:    state.serverCertificates,
	}
	return nextState, toSend, nil
}

func containsSuite(suites []CipherSuite, s CipherSuite) bool {
	for _, suite := range suites {
		if suite == s {
			return true
		}
	}
	return false
}

func containsScheme(schemes []SignatureScheme, s SignatureScheme) bool {
	for _, scheme := range schemes {
		if scheme == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
