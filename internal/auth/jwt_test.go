package auth

import (
	"testing"
	"time"

	"callcore/internal/config"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := newManager(t)

	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.ExpiresIn != 900 {
		t.Fatalf("unexpected pair: %+v", pair)
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.Subject != "user-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Hour)); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, err := m.IssuePair(time.Now(), "u")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, time.Now()); err == nil {
		t.Fatalf("expected token_type mismatch")
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	m := newManager(t)
	other, _ := NewManager(config.AuthConfig{JWTSecret: "other", JWTIssuer: "issuer", JWTAudience: "aud", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	now := time.Now()
	p, _ := other.IssuePair(now, "u")
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess, now); err == nil {
		t.Fatalf("expected signature failure")
	}
}

func TestRefreshIssuesNewPair(t *testing.T) {
	m := newManager(t)
	now := time.Unix(1700000000, 0).UTC()
	p, _ := m.IssuePair(now, "u")

	next, err := m.Refresh(p.RefreshToken, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := m.Verify(next.AccessToken, TokenTypeAccess, now.Add(time.Hour)); err != nil {
		t.Fatalf("refreshed access token invalid: %v", err)
	}
	if _, err := m.Refresh(p.AccessToken, now); err == nil {
		t.Fatalf("access token must not refresh")
	}
}

func TestVerifyEnforcesIssuerAndAudience(t *testing.T) {
	m := newManager(t)
	now := time.Unix(1700000000, 0).UTC()

	for name, cfg := range map[string]config.AuthConfig{
		"issuer":   {JWTSecret: "secret", JWTIssuer: "elsewhere", JWTAudience: "aud", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour},
		"audience": {JWTSecret: "secret", JWTIssuer: "issuer", JWTAudience: "other", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour},
	} {
		other, err := NewManager(cfg)
		if err != nil {
			t.Fatalf("%s: manager: %v", name, err)
		}
		p, _ := other.IssuePair(now, "u")
		if _, err := m.Verify(p.AccessToken, TokenTypeAccess, now); err == nil {
			t.Fatalf("%s: expected mismatched token to fail", name)
		}
	}

	if _, err := m.Verify("", TokenTypeAccess, now); err == nil {
		t.Fatalf("expected empty token to fail")
	}
}
