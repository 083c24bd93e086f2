package turtls

import (
	"github.com/pkg/errors"
)

var errUnexpectedRecord = errors.New("turtls: unexpected record type during handshake")

// handshakeMessageReader is the message source a handshake state pulls
// from.  Implemented by HandshakeLayer; tests substitute their own.
type handshakeMessageReader interface {
	ReadMessage() (*HandshakeMessage, error)
}

// HandshakeLayer frames handshake messages over one direction of the
// record layer.  Messages may span records and records may pack several
// messages; the layer reassembles either way.  Every message that
// passes through while a transcript is attached is hashed in wire
// order, before any semantic checks happen upstream.
type HandshakeLayer struct {
	rec        *RecordLayer
	transcript *transcriptHasher
	buffer     []byte
	queued     []byte
}

func NewHandshakeLayer(r *RecordLayer) *HandshakeLayer {
	return &HandshakeLayer{rec: r}
}

// AttachTranscript routes subsequent messages into t.  Detached (nil)
// once the handshake transcript is complete, so post-handshake messages
// do not contaminate it.
func (h *HandshakeLayer) AttachTranscript(t *transcriptHasher) {
	h.transcript = t
}

func (h *HandshakeLayer) extractMessage() *HandshakeMessage {
	if len(h.buffer) < handshakeHeaderLen {
		return nil
	}
	msgLen := int(h.buffer[1])<<16 | int(h.buffer[2])<<8 | int(h.buffer[3])
	if len(h.buffer) < handshakeHeaderLen+msgLen {
		return nil
	}
	hm := &HandshakeMessage{
		msgType: HandshakeType(h.buffer[0]),
		body:    h.buffer[:handshakeHeaderLen+msgLen][handshakeHeaderLen:],
	}
	h.buffer = h.buffer[handshakeHeaderLen+msgLen:]
	if h.transcript != nil {
		h.transcript.Add(hm.Marshal())
	}
	logf(logTypeHandshake, "read message type=%d len=%d", hm.msgType, msgLen)
	return hm
}

// ReadMessage returns the next handshake message, pulling records as
// needed.  ChangeCipherSpec records are discarded wherever they appear.
func (h *HandshakeLayer) ReadMessage() (*HandshakeMessage, error) {
	for {
		if hm := h.extractMessage(); hm != nil {
			return hm, nil
		}
		pt, err := h.rec.ReadRecord()
		if err != nil {
			return nil, err
		}
		switch pt.contentType {
		case RecordTypeHandshake:
			if len(pt.fragment) == 0 {
				return nil, errUnexpectedRecord
			}
			h.buffer = append(h.buffer, pt.fragment...)
		case RecordTypeChangeCipherSpec:
			logf(logTypeFrameReader, "ignoring change_cipher_spec record")
		default:
			return nil, errUnexpectedRecord
		}
	}
}

// QueueMessage serializes hm into the outgoing buffer without flushing,
// so a whole flight can share records.
func (h *HandshakeLayer) QueueMessage(hm *HandshakeMessage) {
	data := hm.Marshal()
	if h.transcript != nil {
		h.transcript.Add(data)
	}
	h.queued = append(h.queued, data...)
	logf(logTypeHandshake, "queued message type=%d len=%d", hm.msgType, len(hm.body))
}

// SendQueuedMessages flushes the outgoing buffer, fragmenting across
// records as needed.
func (h *HandshakeLayer) SendQueuedMessages() error {
	for len(h.queued) > 0 {
		chunk := h.queued
		if len(chunk) > maxFragmentLen {
			chunk = chunk[:maxFragmentLen]
		}
		err := h.rec.WriteRecord(&TLSPlaintext{
			contentType: RecordTypeHandshake,
			fragment:    chunk,
		})
		if err != nil {
			return err
		}
		h.queued = h.queued[len(chunk):]
	}
	return nil
}

// SendMessage is QueueMessage plus an immediate flush.
func (h *HandshakeLayer) SendMessage(hm *HandshakeMessage) error {
	h.QueueMessage(hm)
	return h.SendQueuedMessages()
}
