package main

import (
	"testing"

	"github.com/hazelmoon/warden/util"
)

func TestLoadSecret_EmptyOrDisableDisablesAPI(t *testing.T) {
	m := &Meowlnir{}
	if got := m.loadSecret(""); got != nil {
		t.Fatal("expected an empty secret to disable the API")
	}
	if got := m.loadSecret("disable"); got != nil {
		t.Fatal("expected the disable sentinel to disable the API")
	}
}

func TestLoadSecret_PlainStringIsHashed(t *testing.T) {
	m := &Meowlnir{}
	got := m.loadSecret("my-shared-secret")
	if got == nil {
		t.Fatal("expected a non-empty secret to produce a hash")
	}
	want := util.SHA256String("my-shared-secret")
	if *got != want {
		t.Fatal("expected loadSecret to hash the secret the same way util.SHA256String does")
	}
}

func TestLoadSecret_PrehashedValueIsDecoded(t *testing.T) {
	m := &Meowlnir{}
	hash := util.SHA256String("my-shared-secret")
	got := m.loadSecret("sha256:" + hexEncode(hash))
	if got == nil || *got != hash {
		t.Fatal("expected a sha256: prefixed secret to be decoded directly")
	}
}

func hexEncode(b [32]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, 64)
	for _, c := range b {
		out = append(out, hexDigits[c>>4], hexDigits[c&0xf])
	}
	return string(out)
}
