package turtls

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var (
	// ErrIoFailure reports an unrecoverable transport error.
	ErrIoFailure = errors.New("turtls: transport failure")
	// ErrTimeout reports that a whole record did not arrive within the
	// configured window.
	ErrTimeout = errors.New("turtls: record timed out")
	// ErrWouldBlock reports that no record is available right now.  Only
	// returned when the layer runs without a timeout.
	ErrWouldBlock = errors.New("turtls: would block")

	errDecryptFailed  = errors.New("turtls: record decryption failed")
	errRecordOverflow = errors.New("turtls: record overflow")
	errBadRecordPad   = errors.New("turtls: record padding has no content type")
)

// ReceivedAlertError surfaces an alert read off the wire.
type ReceivedAlertError struct {
	Alert Alert
}

func (e ReceivedAlertError) Error() string {
	return fmt.Sprintf("turtls: received alert: %s", e.Alert)
}

// TLSPlaintext is one record after decryption and padding removal.
type TLSPlaintext struct {
	contentType RecordType
	fragment    []byte
}

type cipherState struct {
	epoch Epoch
	seq   uint64
	aead  cipher.AEAD
	keys  keySet
}

// nonce is the per-record IV: the write IV XORed with the big-endian
// sequence number.
func (cs *cipherState) nonce() []byte {
	out := append([]byte{}, cs.keys.iv...)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], cs.seq)
	offset := len(out) - 8
	for i, b := range seqBytes {
		out[offset+i] ^= b
	}
	return out
}

func (cs *cipherState) incrementSequenceNumber() {
	cs.seq++
	// A wrap would reuse a nonce; rekey long before this is reachable.
	assertTrue(cs.seq != 0)
}

// RecordLayer moves records in one direction over a Transport.  Reads
// poll the non-blocking transport until a full record arrives or the
// deadline passes; partially read records survive across calls.
type RecordLayer struct {
	transport Transport
	clk       clock.Clock
	timeout   time.Duration
	cipher    *cipherState

	// partial read state
	header      [recordHeaderLen]byte
	headerRead  int
	payload     []byte
	payloadRead int
}

func NewRecordLayer(t Transport, clk clock.Clock, timeout time.Duration) *RecordLayer {
	return &RecordLayer{
		transport: t,
		clk:       clk,
		timeout:   timeout,
	}
}

// Rekey installs traffic keys for the next epoch, wiping the previous
// generation.  The sequence number restarts at zero.
func (r *RecordLayer) Rekey(epoch Epoch, keys keySet) error {
	logf(logTypeIO, "rekey to %s epoch", epoch.label())
	aead, err := keys.cipher(keys.key)
	if err != nil {
		return err
	}
	if r.cipher != nil {
		r.cipher.keys.zeroize()
	}
	r.cipher = &cipherState{epoch: epoch, aead: aead, keys: keys}
	return nil
}

func (r *RecordLayer) Epoch() Epoch {
	if r.cipher == nil {
		return EpochClear
	}
	return r.cipher.epoch
}

// DropKeys wipes the current traffic keys and returns the layer to
// cleartext.  Used when a connection is closed or reset.
func (r *RecordLayer) DropKeys() {
	if r.cipher != nil {
		r.cipher.keys.zeroize()
		r.cipher = nil
	}
	r.headerRead = 0
	r.payload = nil
	r.payloadRead = 0
}

// fill polls the transport until buf is full or the deadline passes.
// The read counter persists in *done so a record interrupted mid-flight
// resumes on the next call.
func (r *RecordLayer) fill(buf []byte, done *int, deadline time.Time) error {
	for *done < len(buf) {
		n := r.transport.Read(buf[*done:])
		if n < 0 {
			return ErrIoFailure
		}
		if n == 0 {
			if r.timeout == 0 {
				return ErrWouldBlock
			}
			if r.clk.Now().After(deadline) {
				return ErrTimeout
			}
			runtime.Gosched()
			continue
		}
		*done += n
	}
	return nil
}

// ReadRecord returns the next record.  Alert records are intercepted:
// user_canceled is logged and skipped, everything else comes back as a
// ReceivedAlertError.
func (r *RecordLayer) ReadRecord() (*TLSPlaintext, error) {
	for {
		pt, err := r.readOneRecord()
		if err != nil {
			return nil, err
		}
		if pt.contentType != RecordTypeAlert {
			return pt, nil
		}
		if len(pt.fragment) != 2 {
			return nil, errDecryptFailed
		}
		alert := Alert(pt.fragment[1])
		if alert == AlertUserCanceled {
			logf(logTypeIO, "ignoring warning alert: %s", alert)
			continue
		}
		// close_notify included: the caller decides whether that is a
		// graceful end or a truncated handshake.
		logf(logTypeIO, "received alert: %s", alert)
		return nil, ReceivedAlertError{Alert: alert}
	}
}

func (r *RecordLayer) readOneRecord() (*TLSPlaintext, error) {
	deadline := r.clk.Now().Add(r.timeout)

	if err := r.fill(r.header[:], &r.headerRead, deadline); err != nil {
		return nil, err
	}
	contentType := RecordType(r.header[0])
	length := int(binary.BigEndian.Uint16(r.header[3:5]))

	limit := maxFragmentLen
	if r.cipher != nil {
		limit = maxCiphertextLen
	}
	if length > limit {
		return nil, errRecordOverflow
	}
	if r.payload == nil {
		r.payload = make([]byte, length)
		r.payloadRead = 0
	}
	if err := r.fill(r.payload, &r.payloadRead, deadline); err != nil {
		return nil, err
	}

	fragment := r.payload
	r.headerRead = 0
	r.payload = nil
	r.payloadRead = 0

	// Unencrypted CCS records pass through at any epoch for middlebox
	// compatibility; the handshake layer discards them.  Once traffic
	// keys are installed every other record must arrive protected, so
	// a plaintext handshake or alert record is an injection attempt.
	if r.cipher != nil {
		switch contentType {
		case RecordTypeApplicationData:
			var err error
			contentType, fragment, err = r.decrypt(fragment)
			if err != nil {
				return nil, err
			}
		case RecordTypeChangeCipherSpec:
		default:
			logf(logTypeIO, "plaintext record type=%d at %s epoch", contentType, r.cipher.epoch.label())
			return nil, errUnexpectedRecord
		}
	}

	logf(logTypeIO, "ReadRecord type=%d len=%d", contentType, len(fragment))
	return &TLSPlaintext{contentType: contentType, fragment: fragment}, nil
}

func (r *RecordLayer) decrypt(ciphertext []byte) (RecordType, []byte, error) {
	cs := r.cipher
	if len(ciphertext) < cs.aead.Overhead() {
		return 0, nil, errDecryptFailed
	}
	plaintext, err := cs.aead.Open(ciphertext[:0], cs.nonce(), ciphertext, r.header[:])
	if err != nil {
		return 0, nil, errDecryptFailed
	}
	cs.incrementSequenceNumber()

	// Strip zero padding; the last nonzero byte is the inner type.
	i := len(plaintext) - 1
	for i >= 0 && plaintext[i] == 0 {
		i--
	}
	if i < 0 {
		return 0, nil, errBadRecordPad
	}
	return RecordType(plaintext[i]), plaintext[:i], nil
}

// WriteRecord protects and sends one record.  The fragment must already
// fit in a single record; callers fragment larger payloads.
func (r *RecordLayer) WriteRecord(pt *TLSPlaintext) error {
	assertTrue(len(pt.fragment) <= maxFragmentLen)

	contentType := pt.contentType
	body := pt.fragment
	if r.cipher != nil && contentType != RecordTypeChangeCipherSpec {
		inner := make([]byte, 0, len(pt.fragment)+1)
		inner = append(inner, pt.fragment...)
		inner = append(inner, byte(contentType))

		cs := r.cipher
		header := recordHeader(RecordTypeApplicationData, len(inner)+cs.aead.Overhead())
		body = cs.aead.Seal(nil, cs.nonce(), inner, header)
		cs.incrementSequenceNumber()
		contentType = RecordTypeApplicationData
	}

	record := append(recordHeader(contentType, len(body)), body...)
	logf(logTypeIO, "WriteRecord type=%d len=%d epoch=%s", pt.contentType, len(pt.fragment), r.Epoch().label())
	return r.flush(record)
}

func (r *RecordLayer) flush(record []byte) error {
	deadline := r.clk.Now().Add(r.timeout)
	written := 0
	for written < len(record) {
		n := r.transport.Write(record[written:])
		if n < 0 {
			return ErrIoFailure
		}
		if n == 0 {
			if r.timeout != 0 && r.clk.Now().After(deadline) {
				return ErrTimeout
			}
			runtime.Gosched()
			continue
		}
		written += n
	}
	return nil
}

func recordHeader(contentType RecordType, length int) []byte {
	hdr := make([]byte, recordHeaderLen)
	hdr[0] = byte(contentType)
	binary.BigEndian.PutUint16(hdr[1:3], legacyRecordVersion)
	binary.BigEndian.PutUint16(hdr[3:5], uint16(length))
	return hdr
}

// SendAlert writes a two-byte alert record at the current epoch.
func (r *RecordLayer) SendAlert(a Alert) error {
	level := byte(AlertLevelError)
	if !a.isFatal() {
		level = byte(AlertLevelWarning)
	}
	return r.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeAlert,
		fragment:    []byte{level, byte(a)},
	})
}
