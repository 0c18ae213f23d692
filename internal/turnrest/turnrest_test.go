package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func TestGenerate_CoturnCompatible(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "s3cret",
		TTLSeconds:     3600,
		UsernamePrefix: "vigil",
		Now:            func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("user_abc123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantUsername := "1700003600:vigil:user_abc123"
	if creds.Username != wantUsername {
		t.Fatalf("username = %q, want %q", creds.Username, wantUsername)
	}
	if creds.ExpiryUnix != 1700003600 {
		t.Fatalf("expiry = %d, want 1700003600", creds.ExpiryUnix)
	}

	mac := hmac.New(sha1.New, []byte("s3cret"))
	mac.Write([]byte(wantUsername))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if creds.Credential != want {
		t.Fatalf("credential = %q, want %q", creds.Credential, want)
	}
}

func TestGenerate_RejectsColonInParticipantID(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "vigil"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := g.Generate("a:b"); err == nil {
		t.Fatalf("expected error for participant id containing ':'")
	}
}

func TestGenerateRandom(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "vigil"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if !strings.HasPrefix(creds.Username, "1") || strings.Count(creds.Username, ":") != 2 {
		t.Fatalf("unexpected username shape %q", creds.Username)
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	cases := []struct {
		name string
		cfg  GeneratorConfig
	}{
		{"missing secret", GeneratorConfig{TTLSeconds: 60, UsernamePrefix: "vigil"}},
		{"zero ttl", GeneratorConfig{SharedSecret: "s", UsernamePrefix: "vigil"}},
		{"missing prefix", GeneratorConfig{SharedSecret: "s", TTLSeconds: 60}},
		{"colon in prefix", GeneratorConfig{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "a:b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewGenerator(tc.cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
