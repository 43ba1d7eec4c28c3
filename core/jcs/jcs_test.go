package jcs

import "testing"

func TestCanonicalizeOrdersKeys(t *testing.T) {
	in := []byte(`{ "b":2, "a":1 }`)
	want := `{"a":1,"b":2}`
	out, err := Canonicalize(in)
	if err != nil {
		t.Fatalf("canonicalize error: %v", err)
	}
	if string(out) != want {
		t.Fatalf("unexpected canonical form: %s", string(out))
	}
}

func TestDigestStableAcrossKeyOrder(t *testing.T) {
	a := []byte(`{"a":1,"b":2}`)
	b := []byte(`{ "b":2, "a":1 }`)

	da, err := Digest(a)
	if err != nil {
		t.Fatalf("digest error: %v", err)
	}
	db, err := Digest(b)
	if err != nil {
		t.Fatalf("digest error: %v", err)
	}
	if da != db {
		t.Fatalf("expected same digest for equivalent JSON")
	}
}

func TestDigestValueMatchesDigest(t *testing.T) {
	type sample struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	dv, err := DigestValue(sample{B: 2, A: 1})
	if err != nil {
		t.Fatalf("digest value error: %v", err)
	}
	dd, err := Digest([]byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("digest error: %v", err)
	}
	if dv != dd {
		t.Fatalf("struct digest %s != json digest %s", dv, dd)
	}
}

func TestDigestInvalidJSON(t *testing.T) {
	if _, err := Digest([]byte(`{`)); err == nil {
		t.Fatalf("expected error for invalid JSON digest")
	}
}

func TestDigestBytesLength(t *testing.T) {
	digest := DigestBytes([]byte("hello"))
	if len(digest) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(digest))
	}
}
