package turtls

import "fmt"

// Alert is a TLS alert code as assigned in the IANA TLS Alert registry.
// Values above 200 are local sentinels that never appear on the wire.
type Alert uint8

const (
	AlertLevelWarning = 1
	AlertLevelError   = 2
)

const (
	AlertCloseNotify            Alert = 0
	AlertUnexpectedMessage      Alert = 10
	AlertBadRecordMAC           Alert = 20
	AlertRecordOverflow         Alert = 22
	AlertHandshakeFailure       Alert = 40
	AlertBadCertificate         Alert = 42
	AlertUnsupportedCertificate Alert = 43
	AlertCertificateRevoked     Alert = 44
	AlertCertificateExpired     Alert = 45
	AlertCertificateUnknown     Alert = 46
	AlertIllegalParameter       Alert = 47
	AlertUnknownCA              Alert = 48
	AlertAccessDenied           Alert = 49
	AlertDecodeError            Alert = 50
	AlertDecryptError           Alert = 51
	AlertProtocolVersion        Alert = 70
	AlertInsufficientSecurity   Alert = 71
	AlertInternalError          Alert = 80
	AlertInappropriateFallback  Alert = 86
	AlertUserCanceled           Alert = 90
	AlertMissingExtension       Alert = 109
	AlertUnsupportedExtension   Alert = 110
	AlertUnrecognizedName       Alert = 112
	AlertBadCertificateStatus   Alert = 113
	AlertUnknownPSKIdentity     Alert = 115
	AlertCertificateRequired    Alert = 116
	AlertNoApplicationProtocol  Alert = 120

	// Local sentinels, never sent.
	AlertWouldBlock Alert = 254
	AlertNoAlert    Alert = 255
)

// alertText is a fixed lookup table; AlertName is a pure function over it.
var alertText = map[Alert]string{
	AlertCloseNotify:            "close_notify",
	AlertUnexpectedMessage:      "unexpected_message",
	AlertBadRecordMAC:           "bad_record_mac",
	AlertRecordOverflow:         "record_overflow",
	AlertHandshakeFailure:       "handshake_failure",
	AlertBadCertificate:         "bad_certificate",
	AlertUnsupportedCertificate: "unsupported_certificate",
	AlertCertificateRevoked:     "certificate_revoked",
	AlertCertificateExpired:     "certificate_expired",
	AlertCertificateUnknown:     "certificate_unknown",
	AlertIllegalParameter:       "illegal_parameter",
	AlertUnknownCA:              "unknown_ca",
	AlertAccessDenied:           "access_denied",
	AlertDecodeError:            "decode_error",
	AlertDecryptError:           "decrypt_error",
	AlertProtocolVersion:        "protocol_version",
	AlertInsufficientSecurity:   "insufficient_security",
	AlertInternalError:          "internal_error",
	AlertInappropriateFallback:  "inappropriate_fallback",
	AlertUserCanceled:           "user_canceled",
	AlertMissingExtension:       "missing_extension",
	AlertUnsupportedExtension:   "unsupported_extension",
	AlertUnrecognizedName:       "unrecognized_name",
	AlertBadCertificateStatus:   "bad_certificate_status_response",
	AlertUnknownPSKIdentity:     "unknown_psk_identity",
	AlertCertificateRequired:    "certificate_required",
	AlertNoApplicationProtocol:  "no_application_protocol",
	AlertWouldBlock:             "local: would block",
	AlertNoAlert:                "local: no alert",
}

// AlertName returns the registered name for an alert code, for diagnostics.
func AlertName(a Alert) string {
	if s, ok := alertText[a]; ok {
		return s
	}
	return fmt.Sprintf("alert(%d)", uint8(a))
}

func (a Alert) String() string {
	return AlertName(a)
}

func (a Alert) Error() string {
	return a.String()
}

// isFatal reports whether a received alert at warning level still terminates
// the connection.  In TLS 1.3 everything except close_notify and
// user_canceled is treated as fatal regardless of the level byte.
func (a Alert) isFatal() bool {
	return a != AlertCloseNotify && a != AlertUserCanceled
}
