package turtls

import (
	"crypto/hmac"
	"crypto/x509"
	"io"
)

// Server state machine, RFC 8446 Appendix A.2.  START consumes the
// ClientHello and emits the ServerHello; NEGOTIATED produces the rest
// of the first flight once the record layer has switched keys.

type serverStateStart struct {
	Config *Config
	hsCtx  *HandshakeContext
}

var _ HandshakeState = &serverStateStart{}

func (state serverStateStart) State() State {
	return StateServerStart
}

func (state serverStateStart) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, error) {
	bodyGeneric, err := readMessageBody(hr, HandshakeTypeClientHello)
	if err != nil {
		return nil, nil, err
	}
	ch := bodyGeneric.(*ClientHelloBody)

	// TLS 1.3 clients must announce themselves through
	// supported_versions; anything else is a downgrade we refuse.
	sv := SupportedVersionsExtension{HandshakeType: HandshakeTypeClientHello}
	svFound, svErr := ch.Extensions.Find(&sv)
	if !svFound {
		logf(logTypeNegotiation, "[ServerStateStart] no supported_versions extension")
		return nil, nil, error(AlertMissingExtension)
	}
	if svErr != nil || !containsVersion(sv.Versions, tls13Version) {
		logf(logTypeNegotiation, "[ServerStateStart] client does not speak TLS 1.3")
		return nil, nil, error(AlertProtocolVersion)
	}

	var suite CipherSuite
	var params CipherSuiteParams
	found := false
	for _, s := range state.Config.CipherSuites {
		if containsSuite(ch.CipherSuites, s) {
			suite = s
			params = cipherSuiteMap[s]
			found = true
			break
		}
	}
	if !found {
		logf(logTypeNegotiation, "[ServerStateStart] no common cipher suite")
		return nil, nil, error(AlertHandshakeFailure)
	}
	logf(logTypeNegotiation, "[ServerStateStart] negotiated suite %04x", uint16(suite))

	clientShares := KeyShareExtension{HandshakeType: HandshakeTypeClientHello}
	if found, err := ch.Extensions.Find(&clientShares); !found || err != nil {
		return nil, nil, error(AlertMissingExtension)
	}
	clientGroups := SupportedGroupsExtension{}
	if found, err := ch.Extensions.Find(&clientGroups); !found || err != nil {
		return nil, nil, error(AlertMissingExtension)
	}
	clientSchemes := SignatureAlgorithmsExtension{}
	if found, err := ch.Extensions.Find(&clientSchemes); !found || err != nil {
		return nil, nil, error(AlertMissingExtension)
	}

	// Pick the first configured group the client sent a share for.  We
	// do not retry, so a client that advertises a group without a share
	// is out of luck.
	var clientShare *KeyShareEntry
	var group NamedGroup
	for _, g := range state.Config.Groups {
		for i := range clientShares.Shares {
			if clientShares.Shares[i].Group == g && containsGroup(clientGroups.Groups, g) {
				clientShare = &clientShares.Shares[i]
				group = g
				break
			}
		}
		if clientShare != nil {
			break
		}
	}
	if clientShare == nil {
		logf(logTypeNegotiation, "[ServerStateStart] no usable key share")
		return nil, nil, error(AlertHandshakeFailure)
	}
	logf(logTypeNegotiation, "[ServerStateStart] negotiated group %04x", uint16(group))

	serverName := ""
	sni := ServerNameExtension("")
	if found, err := ch.Extensions.Find(&sni); found && err == nil {
		serverName = string(sni)
	}

	cert, err := state.Config.certificateFor(serverName)
	if err != nil {
		logf(logTypeHandshake, "[ServerStateStart] no certificate for %q: %v", serverName, err)
		return nil, nil, error(AlertAccessDenied)
	}
	scheme, err := schemeForSigner(cert.PrivateKey, clientSchemes.Algorithms)
	if err != nil {
		logf(logTypeNegotiation, "[ServerStateStart] no common signature scheme: %v", err)
		return nil, nil, error(AlertHandshakeFailure)
	}

	nextProto := ""
	usingALPN := false
	clientALPN := ALPNExtension{}
	if found, err := ch.Extensions.Find(&clientALPN); found {
		if err != nil {
			return nil, nil, error(AlertDecodeError)
		}
		for _, proto := range state.Config.NextProtos {
			if containsString(clientALPN.Protocols, proto) {
				nextProto = proto
				usingALPN = true
				break
			}
		}
		if !usingALPN && len(state.Config.NextProtos) > 0 {
			logf(logTypeNegotiation, "[ServerStateStart] no common ALPN protocol")
			return nil, nil, error(AlertNoApplicationProtocol)
		}
	}

	serverShare, dhSecret, err := keyExchangeRespond(group, state.Config.Rand, clientShare.KeyExchange)
	if err != nil {
		if err == errRngFailure || err == errPrivKeyIsZero {
			return nil, nil, err
		}
		logf(logTypeHandshake, "[ServerStateStart] key exchange failed: %v", err)
		return nil, nil, error(AlertIllegalParameter)
	}

	sh := &ServerHelloBody{
		LegacySessionIDEcho: ch.LegacySessionID,
		CipherSuite:         suite,
	}
	if _, err := io.ReadFull(state.Config.Rand, sh.Random[:]); err != nil {
		zeroize(dhSecret)
		return nil, nil, errRngFailure
	}
	addErr := sh.Extensions.Add(&SupportedVersionsExtension{
		HandshakeType: HandshakeTypeServerHello,
		Versions:      []uint16{tls13Version},
	})
	if addErr == nil {
		addErr = sh.Extensions.Add(&KeyShareExtension{
			HandshakeType: HandshakeTypeServerHello,
			Shares:        []KeyShareEntry{{Group: group, KeyExchange: serverShare}},
		})
	}
	if addErr != nil {
		zeroize(dhSecret)
		return nil, nil, error(AlertInternalError)
	}
	shm, err := HandshakeMessageFromBody(sh)
	if err != nil {
		zeroize(dhSecret)
		return nil, nil, error(AlertInternalError)
	}

	state.hsCtx.transcript.SetSuite(params.Hash)

	logf(logTypeHandshake, "[ServerStateStart] -> [ServerStateNegotiated]")
	nextState := serverStateNegotiated{
		Config: state.Config,
		hsCtx:  state.hsCtx,
		Params: ConnectionParameters{
			UsingClientAuth: state.Config.RequireClientAuth,
			CipherSuite:     suite,
			Group:           group,
			ServerName:      serverName,
			NextProto:       nextProto,
		},
		cryptoParams: params,
		cert:         cert,
		scheme:       scheme,
		usingALPN:    usingALPN,
		dhSecret:     dhSecret,
	}
	// The ServerHello goes out in the clear before any keys change.
	toSend := []HandshakeAction{
		QueueHandshakeMessage{shm},
		SendQueuedHandshake{},
		SendChangeCipherSpec{},
	}
	return nextState, toSend, nil
}

type serverStateNegotiated struct {
	Config       *Config
	hsCtx        *HandshakeContext
	Params       ConnectionParameters
	cryptoParams CipherSuiteParams
	cert         *Certificate
	scheme       SignatureScheme
	usingALPN    bool
	dhSecret     []byte
}

var _ HandshakeState = &serverStateNegotiated{}

func (state serverStateNegotiated) State() State {
	return StateServerNegotiated
}

func (state serverStateNegotiated) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, error) {
	crypto := state.hsCtx.crypto
	crypto.init(state.cryptoParams)
	crypto.computeHandshakeSecrets(state.dhSecret, state.hsCtx.transcript.Snapshot())
	zeroize(state.dhSecret)

	toSend := []HandshakeAction{
		RekeyOut{
			epoch:  EpochHandshakeData,
			KeySet: makeTrafficKeys(state.cryptoParams, crypto.serverHandshakeTrafficSecret),
		},
		RekeyIn{
			epoch:  EpochHandshakeData,
			KeySet: makeTrafficKeys(state.cryptoParams, crypto.clientHandshakeTrafficSecret),
		},
	}

	// The rest of the flight is queued directly: CertificateVerify and
	// Finished are computed over the transcript as it grows, and the
	// flush happens only after the rekey above.
	ee := &EncryptedExtensionsBody{}
	if state.usingALPN {
		if err := ee.Extensions.Add(&ALPNExtension{Protocols: []string{state.Params.NextProto}}); err != nil {
			return nil, nil, error(AlertInternalError)
		}
	}
	eem, err := HandshakeMessageFromBody(ee)
	if err != nil {
		return nil, nil, error(AlertInternalError)
	}
	state.hsCtx.hOut.QueueMessage(eem)

	if state.Config.RequireClientAuth {
		cr := &CertificateRequestBody{}
		if err := cr.Extensions.Add(&SignatureAlgorithmsExtension{Algorithms: state.Config.SignatureSchemes}); err != nil {
			return nil, nil, error(AlertInternalError)
		}
		crm, err := HandshakeMessageFromBody(cr)
		if err != nil {
			return nil, nil, error(AlertInternalError)
		}
		state.hsCtx.hOut.QueueMessage(crm)
	}

	certBody := &CertificateBody{}
	for _, c := range state.cert.Chain {
		certBody.CertificateList = append(certBody.CertificateList, CertificateEntry{CertData: c})
	}
	certm, err := HandshakeMessageFromBody(certBody)
	if err != nil {
		return nil, nil, error(AlertInternalError)
	}
	state.hsCtx.hOut.QueueMessage(certm)

	sig, err := signCertificateVerify(state.Config.Rand, state.scheme, state.cert.PrivateKey,
		contextCertificateVerifyServer, state.hsCtx.transcript.Snapshot())
	if err != nil {
		logf(logTypeHandshake, "[ServerStateNegotiated] signing failed: %v", err)
		return nil, nil, error(AlertInternalError)
	}
	cvm, err := HandshakeMessageFromBody(&CertificateVerifyBody{Algorithm: state.scheme, Signature: sig})
	if err != nil {
		return nil, nil, error(AlertInternalError)
	}
	state.hsCtx.hOut.QueueMessage(cvm)

	finishedData := computeFinishedData(state.cryptoParams, crypto.serverHandshakeTrafficSecret, state.hsCtx.transcript.Snapshot())
	finm, err := HandshakeMessageFromBody(&FinishedBody{
		VerifyDataLen: len(finishedData),
		VerifyData:    finishedData,
	})
	if err != nil {
		return nil, nil, error(AlertInternalError)
	}
	state.hsCtx.hOut.QueueMessage(finm)

	// Application secrets bind to the transcript through our Finished.
	crypto.computeApplicationSecrets(state.hsCtx.transcript.Snapshot())

	toSend = append(toSend,
		SendQueuedHandshake{},
		RekeyOut{
			epoch:  EpochApplicationData,
			KeySet: makeTrafficKeys(state.cryptoParams, crypto.serverTrafficSecret),
		},
	)

	if state.Config.RequireClientAuth {
		logf(logTypeHandshake, "[ServerStateNegotiated] -> [ServerStateWaitCert]")
		return serverStateWaitCert{
			Config:       state.Config,
			hsCtx:        state.hsCtx,
			Params:       state.Params,
			cryptoParams: state.cryptoParams,
		}, toSend, nil
	}
	logf(logTypeHandshake, "[ServerStateNegotiated] -> [ServerStateWaitFinished]")
	return serverStateWaitFinished{
		Config:       state.Config,
		hsCtx:        state.hsCtx,
		Params:       state.Params,
		cryptoParams: state.cryptoParams,
	}, toSend, nil
}

type serverStateWaitCert struct {
	Config       *Config
	hsCtx        *HandshakeContext
	Params       ConnectionParameters
	cryptoParams CipherSuiteParams
}

var _ HandshakeState = &serverStateWaitCert{}

func (state serverStateWaitCert) State() State {
	return StateServerWaitCert
}

func (state serverStateWaitCert) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, error) {
	bodyGeneric, err := readMessageBody(hr, HandshakeTypeCertificate)
	if err != nil {
		return nil, nil, err
	}
	cert := bodyGeneric.(*CertificateBody)

	if len(cert.CertificateList) == 0 {
		// The client declined; with client auth required that ends the
		// handshake.
		logf(logTypeHandshake, "[ServerStateWaitCert] client declined to authenticate")
		return nil, nil, error(AlertCertificateRequired)
	}

	var chain []*x509.Certificate
	for _, entry := range cert.CertificateList {
		chain = append(chain, entry.CertData)
	}
	if state.Config.VerifyPeerCertificate != nil {
		if err := state.Config.VerifyPeerCertificate(chain); err != nil {
			logf(logTypeHandshake, "[ServerStateWaitCert] client certificate rejected: %v", err)
			return nil, nil, error(AlertBadCertificate)
		}
	}

	logf(logTypeHandshake, "[ServerStateWaitCert] -> [ServerStateWaitCV]")
	return serverStateWaitCV{
		Config:             state.Config,
		hsCtx:              state.hsCtx,
		Params:             state.Params,
		cryptoParams:       state.cryptoParams,
		clientCertificates: chain,
	}, nil, nil
}

type serverStateWaitCV struct {
	Config             *Config
	hsCtx              *HandshakeContext
	Params             ConnectionParameters
	cryptoParams       CipherSuiteParams
	clientCertificates []*x509.Certificate
}

var _ HandshakeState = &serverStateWaitCV{}

func (state serverStateWaitCV) State() State {
	return StateServerWaitCV
}

func (state serverStateWaitCV) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, error) {
	// The client signs the transcript up to its Certificate message.
	handshakeHash := state.hsCtx.transcript.Snapshot()

	bodyGeneric, err := readMessageBody(hr, HandshakeTypeCertificateVerify)
	if err != nil {
		return nil, nil, err
	}
	cv := bodyGeneric.(*CertificateVerifyBody)

	if !containsScheme(state.Config.SignatureSchemes, cv.Algorithm) {
		return nil, nil, error(AlertIllegalParameter)
	}
	leaf := state.clientCertificates[0]
	err = verifyCertificateVerify(cv.Algorithm, leaf.PublicKey, contextCertificateVerifyClient, handshakeHash, cv.Signature)
	if err != nil {
		logf(logTypeHandshake, "[ServerStateWaitCV] signature check failed: %v", err)
		return nil, nil, error(AlertDecryptError)
	}

	logf(logTypeHandshake, "[ServerStateWaitCV] -> [ServerStateWaitFinished]")
	return serverStateWaitFinished{
		Config:             state.Config,
		hsCtx:              state.hsCtx,
		Params:             state.Params,
		cryptoParams:       state.cryptoParams,
		clientCertificates: state.clientCertificates,
	}, nil, nil
}

type serverStateWaitFinished struct {
	Config             *Config
	hsCtx              *HandshakeContext
	Params             ConnectionParameters
	cryptoParams       CipherSuiteParams
	clientCertificates []*x509.Certificate
}

var _ HandshakeState = &serverStateWaitFinished{}

func (state serverStateWaitFinished) State() State {
	return StateServerWaitFinished
}

func (state serverStateWaitFinished) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, error) {
	crypto := state.hsCtx.crypto
	verifyBase := state.hsCtx.transcript.Snapshot()

	bodyGeneric, err := readMessageBody(hr, HandshakeTypeFinished)
	if err != nil {
		return nil, nil, err
	}
	fin := bodyGeneric.(*FinishedBody)

	expected := computeFinishedData(state.cryptoParams, crypto.clientHandshakeTrafficSecret, verifyBase)
	if !hmac.Equal(expected, fin.VerifyData) {
		logf(logTypeHandshake, "[ServerStateWaitFinished] client Finished verification failed")
		return nil, nil, error(AlertDecryptError)
	}

	toSend := []HandshakeAction{
		RekeyIn{
			epoch:  EpochApplicationData,
			KeySet: makeTrafficKeys(state.cryptoParams, crypto.clientTrafficSecret),
		},
	}

	crypto.zeroizeHandshake()

	logf(logTypeHandshake, "[ServerStateWaitFinished] -> [StateConnected]")
	nextState := stateConnected{
		Params:              state.Params,
		hsCtx:               state.hsCtx,
		isClient:            false,
		cryptoParams:        state.cryptoParams,
		clientTrafficSecret: crypto.clientTrafficSecret,
		serverTrafficSecret: crypto.serverTrafficSecret,
		peerCertificates:    state.clientCertificates,
	}
	return nextState, toSend, nil
}

func containsVersion(versions []uint16, v uint16) bool {
	for _, version := range versions {
		if version == v {
			return true
		}
	}
	return false
}

func containsGroup(groups []NamedGroup, g NamedGroup) bool {
	for _, group := range groups {
		if group == g {
			return true
		}
	}
	return false
}
