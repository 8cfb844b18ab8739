// Package codec implements spec §4.1: it wraps internal/crdt and
// produces/consumes delta updates and full-state snapshots, computing
// state-vector diffs. The wire framing is modeled directly on the
// teacher's protocol.EncodeMessage ([type:1][timestamp:8][length:4]
// [payload]); here the payload is gob-encoded rather than JSON, since the
// payload is an internal Go type rather than a wire message the SDK
// client also has to parse.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/Dancode-188/replicate/internal/crdt"
	"github.com/Dancode-188/replicate/internal/syncerr"
)

// opcode mirrors protocol.MessageTypeCode's role: a one-byte tag so a
// reader can distinguish an update frame from a snapshot frame without
// out-of-band context.
type opcode byte

const (
	opUpdate   opcode = 0x01
	opSnapshot opcode = 0x02
)

const headerLen = 1 + 4 // opcode + payload length

// EncodeUpdate encodes a single document update to bytes.
func EncodeUpdate(u crdt.Update) ([]byte, error) {
	return encode(opUpdate, u)
}

// DecodeUpdate decodes bytes produced by EncodeUpdate into a bare update,
// without applying it to any document.
func DecodeUpdate(data []byte) (crdt.Update, error) {
	op, payload, err := splitFrame(data)
	if err != nil {
		return crdt.Update{}, err
	}
	if op != opUpdate {
		return crdt.Update{}, syncerr.CodecError("decode", "", fmt.Errorf("expected update frame, got opcode %#x", op))
	}
	var u crdt.Update
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&u); err != nil {
		return crdt.Update{}, syncerr.CodecError("decode", "", err)
	}
	return u, nil
}

// ApplyUpdate decodes bytes produced by EncodeUpdate and applies them to
// doc. Idempotent and commutative, per I5 — delegated to crdt.Doc.Apply.
func ApplyUpdate(doc *crdt.Doc, data []byte) error {
	u, err := DecodeUpdate(data)
	if err != nil {
		return err
	}
	doc.Apply(u)
	return nil
}

// EncodeSnapshot encodes the entire CRDT document as a full-state blob.
func EncodeSnapshot(doc *crdt.Doc) ([]byte, error) {
	return encode(opSnapshot, doc.All())
}

// DecodeSnapshot decodes bytes produced by EncodeSnapshot into a fresh
// document.
func DecodeSnapshot(data []byte) (*crdt.Doc, error) {
	op, payload, err := splitFrame(data)
	if err != nil {
		return nil, err
	}
	if op != opSnapshot {
		return nil, syncerr.CodecError("decode", "", fmt.Errorf("expected snapshot frame, got opcode %#x", op))
	}
	var updates []crdt.Update
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&updates); err != nil {
		return nil, syncerr.CodecError("decode", "", err)
	}
	doc := crdt.New()
	doc.ApplyAll(updates)
	return doc, nil
}

// EncodeStateVector encodes the document's state vector (document id ->
// highest observed version).
func EncodeStateVector(doc *crdt.Doc) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(doc.StateVector()); err != nil {
		return nil, syncerr.CodecError("encode", "", err)
	}
	return buf.Bytes(), nil
}

// DecodeStateVector is the inverse of EncodeStateVector.
func DecodeStateVector(data []byte) (map[string]int64, error) {
	var sv map[string]int64
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&sv); err != nil {
		return nil, syncerr.CodecError("decode", "", err)
	}
	return sv, nil
}

// EncodeDiffSince computes the updates doc holds that a peer at the given
// state vector has not yet observed, and encodes them as a batch of
// update frames.
func EncodeDiffSince(doc *crdt.Doc, stateVector []byte) ([][]byte, error) {
	sv, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	diff := doc.DiffSince(sv)
	out := make([][]byte, 0, len(diff))
	for _, u := range diff {
		b, err := EncodeUpdate(u)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func encode(op opcode, v any) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(v); err != nil {
		return nil, syncerr.CodecError("encode", "", err)
	}

	buf := make([]byte, headerLen+payload.Len())
	buf[0] = byte(op)
	binary.BigEndian.PutUint32(buf[1:5], uint32(payload.Len()))
	copy(buf[headerLen:], payload.Bytes())
	return buf, nil
}

func splitFrame(data []byte) (opcode, []byte, error) {
	if len(data) < headerLen {
		return 0, nil, syncerr.CodecError("decode", "", fmt.Errorf("frame too short: %d bytes", len(data)))
	}
	payloadLen := binary.BigEndian.Uint32(data[1:5])
	if uint32(len(data)) < uint32(headerLen)+payloadLen {
		return 0, nil, syncerr.CodecError("decode", "", fmt.Errorf("incomplete frame: expected %d bytes, got %d", headerLen+int(payloadLen), len(data)))
	}
	return opcode(data[0]), data[headerLen : headerLen+int(payloadLen)], nil
}
