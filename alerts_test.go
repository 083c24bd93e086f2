package turtls

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlertText(t *testing.T) {
	assert.Equal(t, "close_notify", AlertCloseNotify.String())
	assert.Equal(t, "handshake_failure", AlertHandshakeFailure.String())
	assert.Equal(t, "alert(97)", Alert(97).String())

	assert.Equal(t, "bad_record_mac", AlertBadRecordMAC.Error())
}

func TestAlertFatality(t *testing.T) {
	assert.False(t, AlertCloseNotify.isFatal())
	assert.False(t, AlertUserCanceled.isFatal())

	for _, a := range []Alert{
		AlertUnexpectedMessage,
		AlertBadRecordMAC,
		AlertRecordOverflow,
		AlertHandshakeFailure,
		AlertBadCertificate,
		AlertCertificateRequired,
		AlertNoApplicationProtocol,
	} {
		assert.True(t, a.isFatal(), a.String())
	}
}

func TestShakeResultString(t *testing.T) {
	assert.True(t, shakeOk().Ok())
	assert.False(t, shakeReceivedAlert(AlertCloseNotify).Ok())

	r := shakeSentAlert(AlertUnknownCA)
	assert.Equal(t, ShakeSentAlert, r.Status)
	assert.Equal(t, AlertUnknownCA, r.Alert)
	assert.Contains(t, r.String(), "unknown_ca")

	c := shakeConfigError(ConfigErrorMissingServerName)
	assert.Equal(t, ShakeConfigError, c.Status)
	assert.Contains(t, c.String(), ConfigErrorMissingServerName.String())
}
