package wire

import (
	"bytes"
	"testing"
)

func TestMetaRoundTrip(t *testing.T) {
	cases := []Meta{
		{},
		Closed(),
		{
			Name:         "part-0",
			Offset:       128,
			Count:        4096,
			Initial:      true,
			CloseSession: false,
			Params:       map[string][]byte{"kind": []byte(KindPart)},
			Policy:       PolicyFile,
		},
		{
			Name:   "chunk-stream",
			Policy: PolicyChunk,
			Error:  &ErrorDescription{Kind: "io", Message: "disk full"},
		},
	}

	for i, m := range cases {
		enc, err := Marshal(m)
		if err != nil {
			t.Fatalf("case %d: Marshal: %v", i, err)
		}
		got, err := Unmarshal(enc)
		if err != nil {
			t.Fatalf("case %d: Unmarshal: %v", i, err)
		}
		if got.Name != m.Name || got.Offset != m.Offset || got.Count != m.Count ||
			got.Initial != m.Initial || got.CloseSession != m.CloseSession || got.Policy != m.Policy {
			t.Fatalf("case %d: round trip mismatch: got %+v, want %+v", i, got, m)
		}
		if len(got.Params) != len(m.Params) {
			t.Fatalf("case %d: params mismatch: got %v, want %v", i, got.Params, m.Params)
		}
	}
}

func TestClosedSentinel(t *testing.T) {
	m := Closed()
	if !m.IsClosed() {
		t.Fatalf("Closed() must report IsClosed() true")
	}
	other := Meta{Name: "x"}
	if other.IsClosed() {
		t.Fatalf("ordinary meta must not report IsClosed()")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	m := Meta{Name: "part-1", Offset: 0, Count: 10, Initial: true, Policy: PolicyFile}
	if err := WriteMeta(&buf, m); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	got, err := ReadMeta(&buf)
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if got.Name != m.Name || got.Count != m.Count {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestWithParamAndParam(t *testing.T) {
	m := Meta{Name: "x"}
	m2 := m.WithParam("kind", []byte(KindDelta))
	if m2.Param("kind") != string(KindDelta) {
		t.Fatalf("Param(kind) = %q, want %q", m2.Param("kind"), KindDelta)
	}
	if len(m.Params) != 0 {
		t.Fatalf("WithParam must not mutate the receiver")
	}
}
