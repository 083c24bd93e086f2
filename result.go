package turtls

import "fmt"

// ShakeStatus tags the outcome of a handshake attempt.  Every fallible entry
// point returns a closed set of outcomes instead of a free-form error, so
// callers can match on the kind.
type ShakeStatus uint8

const (
	// ShakeOk indicates a successful handshake.
	ShakeOk ShakeStatus = iota
	// ShakeReceivedAlert indicates that the peer sent a fatal alert.
	ShakeReceivedAlert
	// ShakeSentAlert indicates that an alert was sent to the peer.
	ShakeSentAlert
	// ShakeRngError indicates a failure to generate random bytes.
	ShakeRngError
	// ShakeIoError indicates a fatal transport error.
	ShakeIoError
	// ShakeTimeout indicates that a record read exceeded the configured timeout.
	ShakeTimeout
	// ShakeConfigError indicates an invalid Config, detected before any I/O.
	ShakeConfigError
	// ShakePrivKeyIsZero indicates that the freshly generated key-exchange
	// private key was all-zero.  Detected before the key is ever used.
	ShakePrivKeyIsZero
)

// ConfigErrorKind identifies what is wrong with a Config.
type ConfigErrorKind uint8

const (
	ConfigErrorNone ConfigErrorKind = iota
	ConfigErrorMissingCipherSuites
	ConfigErrorMissingGroups
	ConfigErrorMissingSignatureSchemes
	ConfigErrorMissingServerName
	ConfigErrorMissingCertificate
	ConfigErrorSessionStore
)

func (k ConfigErrorKind) String() string {
	switch k {
	case ConfigErrorNone:
		return "none"
	case ConfigErrorMissingCipherSuites:
		return "no cipher suites enabled"
	case ConfigErrorMissingGroups:
		return "no supported groups enabled"
	case ConfigErrorMissingSignatureSchemes:
		return "no signature schemes enabled"
	case ConfigErrorMissingServerName:
		return "no server name configured"
	case ConfigErrorMissingCertificate:
		return "no usable certificate configured"
	case ConfigErrorSessionStore:
		return "session store cannot be opened"
	}
	return "unknown config error"
}

// ShakeResult is the tagged result of a handshake.  The Alert field is
// meaningful for ShakeReceivedAlert and ShakeSentAlert; ConfigError for
// ShakeConfigError.
type ShakeResult struct {
	Status      ShakeStatus
	Alert       Alert
	ConfigError ConfigErrorKind
}

func shakeOk() ShakeResult {
	return ShakeResult{Status: ShakeOk, Alert: AlertNoAlert}
}

func shakeReceivedAlert(a Alert) ShakeResult {
	return ShakeResult{Status: ShakeReceivedAlert, Alert: a}
}

func shakeSentAlert(a Alert) ShakeResult {
	return ShakeResult{Status: ShakeSentAlert, Alert: a}
}

func shakeStatus(s ShakeStatus) ShakeResult {
	return ShakeResult{Status: s, Alert: AlertNoAlert}
}

func shakeConfigError(kind ConfigErrorKind) ShakeResult {
	return ShakeResult{Status: ShakeConfigError, Alert: AlertNoAlert, ConfigError: kind}
}

// Ok reports whether the handshake succeeded.
func (r ShakeResult) Ok() bool {
	return r.Status == ShakeOk
}

func (r ShakeResult) String() string {
	switch r.Status {
	case ShakeOk:
		return "ok"
	case ShakeReceivedAlert:
		return fmt.Sprintf("received alert: %s", r.Alert)
	case ShakeSentAlert:
		return fmt.Sprintf("sent alert: %s", r.Alert)
	case ShakeRngError:
		return "rng error"
	case ShakeIoError:
		return "io error"
	case ShakeTimeout:
		return "timeout"
	case ShakeConfigError:
		return fmt.Sprintf("config error: %s", r.ConfigError)
	case ShakePrivKeyIsZero:
		return "generated private key is zero"
	}
	return "unknown result"
}
