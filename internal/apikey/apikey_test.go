package apikey

import (
	"strings"
	"testing"
	"time"

	"github.com/toolmeter/gateway/internal/clock"
)

func newTestRegistry() (*Registry, *clock.Mock) {
	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewRegistry(hashKey("admin-secret"), clk), clk
}

func TestGenerateAndValidate(t *testing.T) {
	r, _ := newTestRegistry()

	raw, key, err := r.Generate("billing service")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(raw, "sk_") {
		t.Errorf("raw key should have sk_ prefix, got %q", raw[:8])
	}
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("key ID should have ak_ prefix, got %q", key.ID)
	}

	got, err := r.Validate(raw)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.ID != key.ID {
		t.Errorf("validated key ID = %q, want %q", got.ID, key.ID)
	}
	if got.LastUsedAt.IsZero() {
		t.Error("Validate should stamp LastUsedAt")
	}
}

func TestValidateBearerPrefix(t *testing.T) {
	r, _ := newTestRegistry()
	raw, _, _ := r.Generate("k")

	if _, err := r.Validate("Bearer " + raw); err != nil {
		t.Errorf("Validate with Bearer prefix: %v", err)
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	r, _ := newTestRegistry()

	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "", ErrNoAPIKey},
		{"too short", "sk_a", ErrInvalidAPIKey},
		{"non-printable", "sk_abc\x01def", ErrInvalidAPIKey},
		{"unknown", "sk_" + strings.Repeat("0", 64), ErrInvalidAPIKey},
		{"too long", strings.Repeat("x", 200), ErrInvalidAPIKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Validate(tc.raw); err != tc.want {
				t.Errorf("Validate(%q) err = %v, want %v", tc.raw, err, tc.want)
			}
		})
	}
}

func TestRevoke(t *testing.T) {
	r, _ := newTestRegistry()
	raw, key, _ := r.Generate("k")

	if err := r.Revoke(key.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := r.Validate(raw); err != ErrKeyRevoked {
		t.Errorf("Validate after revoke err = %v, want ErrKeyRevoked", err)
	}
	if err := r.Revoke("ak_missing"); err != ErrKeyNotFound {
		t.Errorf("Revoke unknown err = %v, want ErrKeyNotFound", err)
	}
}

func TestOverridesAndPlan(t *testing.T) {
	r, _ := newTestRegistry()
	_, key, _ := r.Generate("k")

	if err := r.SetOverrides(key.ID, Overrides{RateLimitPerMin: 10, MaxPerCall: 5}); err != nil {
		t.Fatalf("SetOverrides: %v", err)
	}
	if err := r.SetPlan(key.ID, "free"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	got, _ := r.Get(key.ID)
	if got.Overrides.RateLimitPerMin != 10 || got.Plan != "free" {
		t.Errorf("Get = %+v, overrides/plan not persisted", got)
	}
}

func TestListNewestFirst(t *testing.T) {
	r, clk := newTestRegistry()
	_, first, _ := r.Generate("first")
	clk.Advance(time.Minute)
	_, second, _ := r.Generate("second")

	keys := r.List()
	if len(keys) != 2 {
		t.Fatalf("List len = %d, want 2", len(keys))
	}
	if keys[0].ID != second.ID || keys[1].ID != first.ID {
		t.Error("List should be sorted newest first")
	}
}

func TestAdminAuth(t *testing.T) {
	r, _ := newTestRegistry()

	if !r.AdminAuth("admin-secret") {
		t.Error("AdminAuth should accept the configured secret")
	}
	if r.AdminAuth("wrong") {
		t.Error("AdminAuth should reject a wrong secret")
	}
	if r.AdminAuth("") {
		t.Error("AdminAuth should reject an empty candidate")
	}

	disabled := NewRegistry("", clock.System{})
	if disabled.AdminAuth("anything") {
		t.Error("AdminAuth with no configured key should always fail")
	}
}

func TestGenerateRejectsBadNames(t *testing.T) {
	r, _ := newTestRegistry()
	for _, name := range []string{"", "  ", strings.Repeat("n", 101), "bad\x00name"} {
		if _, _, err := r.Generate(name); err != ErrInvalidName {
			t.Errorf("Generate(%q) err = %v, want ErrInvalidName", name, err)
		}
	}
}
