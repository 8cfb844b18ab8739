package codec

import (
	"testing"

	"github.com/Dancode-188/replicate/internal/crdt"
)

func TestEncodeApplyUpdate_RoundTrip(t *testing.T) {
	u := crdt.Update{DocumentID: "a", Version: 1, Fields: map[string]any{"text": "hi"}}
	data, err := EncodeUpdate(u)
	if err != nil {
		t.Fatalf("EncodeUpdate: %v", err)
	}

	doc := crdt.New()
	if err := ApplyUpdate(doc, data); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if doc.Materialize()["a"]["text"] != "hi" {
		t.Errorf("unexpected materialized state: %+v", doc.Materialize())
	}
}

func TestApplyUpdate_RejectsSnapshotFrame(t *testing.T) {
	doc := crdt.New()
	data, _ := EncodeSnapshot(doc)
	if err := ApplyUpdate(doc, data); err == nil {
		t.Error("expected error applying a snapshot frame as an update")
	}
}

func TestEncodeDecodeSnapshot_RoundTrip(t *testing.T) {
	doc := crdt.New()
	doc.ApplyAll([]crdt.Update{
		{DocumentID: "a", Version: 1, Fields: map[string]any{"x": 1}},
		{DocumentID: "b", Version: 2, Fields: map[string]any{"x": 2}},
	})

	data, err := EncodeSnapshot(doc)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}

	restored, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if restored.Len() != doc.Len() {
		t.Errorf("restored.Len() = %d, want %d", restored.Len(), doc.Len())
	}
	if restored.Materialize()["a"]["x"] != 1 {
		t.Errorf("unexpected restored state: %+v", restored.Materialize())
	}
}

func TestStateVector_RoundTrip(t *testing.T) {
	doc := crdt.New()
	doc.Apply(crdt.Update{DocumentID: "a", Version: 5})

	data, err := EncodeStateVector(doc)
	if err != nil {
		t.Fatalf("EncodeStateVector: %v", err)
	}
	sv, err := DecodeStateVector(data)
	if err != nil {
		t.Fatalf("DecodeStateVector: %v", err)
	}
	if sv["a"] != 5 {
		t.Errorf("sv[a] = %d, want 5", sv["a"])
	}
}

func TestEncodeDiffSince_ReturnsOnlyNewerUpdates(t *testing.T) {
	doc := crdt.New()
	doc.ApplyAll([]crdt.Update{
		{DocumentID: "a", Version: 1, Fields: map[string]any{"x": 1}},
		{DocumentID: "b", Version: 1, Fields: map[string]any{"x": 2}},
	})
	doc.Apply(crdt.Update{DocumentID: "a", Version: 2, Fields: map[string]any{"x": 3}})

	peer := crdt.New()
	peer.Apply(crdt.Update{DocumentID: "a", Version: 1})
	peer.Apply(crdt.Update{DocumentID: "b", Version: 1})
	sv, err := EncodeStateVector(peer)
	if err != nil {
		t.Fatalf("EncodeStateVector: %v", err)
	}

	frames, err := EncodeDiffSince(doc, sv)
	if err != nil {
		t.Fatalf("EncodeDiffSince: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 diff frame, got %d", len(frames))
	}

	target := crdt.New()
	if err := ApplyUpdate(target, frames[0]); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if target.Materialize()["a"]["x"] != 3 {
		t.Errorf("unexpected applied diff state: %+v", target.Materialize())
	}
}

func TestApplyUpdate_RejectsTruncatedFrame(t *testing.T) {
	if err := ApplyUpdate(crdt.New(), []byte{0x01, 0x00}); err == nil {
		t.Error("expected error decoding a truncated frame")
	}
}
