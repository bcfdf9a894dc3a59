package capability

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func newTestService(t *testing.T, dir Directory, opts ...ServiceOption) *Service {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewService(priv, dir, opts...)
}

func TestMintAndVerify(t *testing.T) {
	dir := StaticDirectory{
		"alice": Grant{KindLLM: {"invoke"}, KindFiles: {"read", "write"}},
	}
	svc := newTestService(t, dir)

	wire, token, err := svc.Mint(context.Background(), MintSpec{
		Subject:   "alice",
		ContextID: "ctx-1",
		Global:    Grant{KindLLM: {"invoke"}},
		Context:   Grant{KindFiles: {"read"}},
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if token.Subject != "alice" || token.ID == "" {
		t.Fatalf("unexpected token: %+v", token)
	}

	got, err := svc.Verify(wire, Requirement{Kind: KindLLM, Verb: "invoke"})
	if err != nil {
		t.Fatalf("verify global: %v", err)
	}
	if got.Subject != "alice" {
		t.Fatalf("wrong subject %q", got.Subject)
	}

	if _, err := svc.Verify(wire, Requirement{Kind: KindFiles, Verb: "read", ContextID: "ctx-1"}); err != nil {
		t.Fatalf("verify context-scoped: %v", err)
	}
}

func TestContextGrantDoesNotLeakAcrossContexts(t *testing.T) {
	dir := StaticDirectory{"alice": Grant{KindFiles: {"read"}}}
	svc := newTestService(t, dir)

	wire, _, err := svc.Mint(context.Background(), MintSpec{
		Subject:   "alice",
		ContextID: "ctx-1",
		Context:   Grant{KindFiles: {"read"}},
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := svc.Verify(wire, Requirement{Kind: KindFiles, Verb: "read", ContextID: "ctx-2"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("context grant must not apply to another context, got %v", err)
	}
	// Without a context id the requirement is global; the context grant
	// must not satisfy it either.
	if _, err := svc.Verify(wire, Requirement{Kind: KindFiles, Verb: "read"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("context grant must not satisfy a global requirement, got %v", err)
	}
}

func TestMintRejectsWiderGrant(t *testing.T) {
	dir := StaticDirectory{"bob": Grant{KindLLM: {"read"}}}
	svc := newTestService(t, dir)

	_, _, err := svc.Mint(context.Background(), MintSpec{
		Subject: "bob",
		Global:  Grant{KindLLM: {"*"}},
	})
	if !errors.Is(err, ErrGrantExceedsIssuer) {
		t.Fatalf("expected ErrGrantExceedsIssuer, got %v", err)
	}

	_, _, err = svc.Mint(context.Background(), MintSpec{
		Subject: "bob",
		Global:  Grant{KindFiles: {"read"}},
	})
	if !errors.Is(err, ErrGrantExceedsIssuer) {
		t.Fatalf("expected ErrGrantExceedsIssuer for unheld kind, got %v", err)
	}
}

func TestVerifyExpiry(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	dir := StaticDirectory{"alice": Grant{KindLLM: {"invoke"}}}
	svc := newTestService(t, dir, WithServiceClock(clock))

	wire, _, err := svc.Mint(context.Background(), MintSpec{
		Subject:   "alice",
		Global:    Grant{KindLLM: {"invoke"}},
		ExpiresAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	now = now.Add(2 * time.Minute)
	_, err = svc.Verify(wire, Requirement{Kind: KindLLM, Verb: "invoke"})
	if !errors.Is(err, ErrTokenExpired) || !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected expired+unauthorized, got %v", err)
	}
}

func TestUnboundedTokenNeverExpires(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	dir := StaticDirectory{"alice": Grant{KindLLM: {"invoke"}}}
	svc := newTestService(t, dir, WithServiceClock(clock))

	wire, _, err := svc.Mint(context.Background(), MintSpec{
		Subject: "alice",
		Global:  Grant{KindLLM: {"invoke"}},
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	now = now.Add(24 * 365 * time.Hour)
	if _, err := svc.Verify(wire, Requirement{Kind: KindLLM, Verb: "invoke"}); err != nil {
		t.Fatalf("unbounded token should verify: %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	dir := StaticDirectory{"alice": Grant{KindLLM: {"invoke"}}}
	minter := newTestService(t, dir)
	verifier := newTestService(t, dir)

	wire, _, err := minter.Mint(context.Background(), MintSpec{
		Subject: "alice",
		Global:  Grant{KindLLM: {"invoke"}},
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	_, err = verifier.Verify(wire, Requirement{Kind: KindLLM, Verb: "invoke"})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected signature rejection, got %v", err)
	}
}

func TestVerifyTampered(t *testing.T) {
	dir := StaticDirectory{"alice": Grant{KindLLM: {"invoke"}}}
	svc := newTestService(t, dir)

	wire, _, err := svc.Mint(context.Background(), MintSpec{
		Subject: "alice",
		Global:  Grant{KindLLM: {"invoke"}},
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	wire[0] ^= 0xff

	if _, err := svc.Verify(wire, Requirement{Kind: KindLLM, Verb: "invoke"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for tampered token, got %v", err)
	}
}

func TestRevocation(t *testing.T) {
	dir := StaticDirectory{"alice": Grant{KindLLM: {"invoke"}}}
	svc := newTestService(t, dir)

	wire, token, err := svc.Mint(context.Background(), MintSpec{
		Subject: "alice",
		Global:  Grant{KindLLM: {"invoke"}},
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	svc.Revoke(token, time.Hour)
	if _, err := svc.Verify(wire, Requirement{Kind: KindLLM, Verb: "invoke"}); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
}

func TestGrantSubsetOf(t *testing.T) {
	outer := Grant{KindLLM: {"invoke", "read"}, KindFiles: {"*"}}
	cases := []struct {
		inner Grant
		ok    bool
	}{
		{Grant{}, true},
		{Grant{KindLLM: {"invoke"}}, true},
		{Grant{KindFiles: {"read", "write"}}, true},
		{Grant{KindFiles: {"*"}}, true},
		{Grant{KindLLM: {"*"}}, false},
		{Grant{KindTools: {"execute"}}, false},
	}
	for _, tc := range cases {
		if got := tc.inner.SubsetOf(outer); got != tc.ok {
			t.Errorf("SubsetOf(%v) = %v, want %v", tc.inner, got, tc.ok)
		}
	}
}

func TestBlacklistCleanup(t *testing.T) {
	bl := NewBlacklist()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	bl.Revoke("t1", base)
	bl.Revoke("t2", base.Add(10*time.Minute))

	if removed := bl.Cleanup(base.Add(5 * time.Minute)); removed != 1 {
		t.Fatalf("expected 1 cleaned, got %d", removed)
	}
	if bl.IsRevoked("t1") {
		t.Fatalf("t1 should have been cleaned")
	}
	if !bl.IsRevoked("t2") {
		t.Fatalf("t2 should remain revoked")
	}
}
