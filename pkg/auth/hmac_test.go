package auth

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHMACAuth(t *testing.T) {
	secrets := map[string]string{
		"capture-key-1": "test-secret-123",
	}

	auth := NewHMACAuth(secrets, 300*time.Second)

	t.Run("CreateAndVerifySignature", func(t *testing.T) {
		method := "POST"
		path := "/v1/submissions"
		body := []byte(`{"sessionId": "s1"}`)
		keyID := "capture-key-1"
		nonce := "test-nonce-123"

		authHeader := auth.CreateAuthHeader(method, path, body, keyID, nonce)
		if authHeader == "" {
			t.Fatal("Failed to create auth header")
		}

		authInfo, err := ParseAuthHeader(authHeader)
		if err != nil {
			t.Fatalf("Failed to parse auth header: %v", err)
		}

		if authInfo.KeyID != keyID {
			t.Errorf("Expected keyID %s, got %s", keyID, authInfo.KeyID)
		}

		if authInfo.Nonce != nonce {
			t.Errorf("Expected nonce %s, got %s", nonce, authInfo.Nonce)
		}

		if err := auth.VerifySignature(method, path, body, authInfo); err != nil {
			t.Errorf("Signature verification failed: %v", err)
		}
	})

	t.Run("TamperedBody", func(t *testing.T) {
		path := "/v1/submissions"
		authHeader := auth.CreateAuthHeader("POST", path, []byte(`{"isValid":false}`), "capture-key-1", "n1")
		authInfo, _ := ParseAuthHeader(authHeader)

		if err := auth.VerifySignature("POST", path, []byte(`{"isValid":true}`), authInfo); err == nil {
			t.Error("Expected signature verification to fail for a modified body")
		}
	})

	t.Run("InvalidSignature", func(t *testing.T) {
		authHeader := auth.CreateAuthHeader("POST", "/v1/verifications", nil, "capture-key-1", "n2")
		authInfo, _ := ParseAuthHeader(authHeader)
		authInfo.Signature = "invalid-signature"

		if err := auth.VerifySignature("POST", "/v1/verifications", nil, authInfo); err == nil {
			t.Error("Expected signature verification to fail, but it passed")
		}
	})

	t.Run("UnknownKeyID", func(t *testing.T) {
		if header := auth.CreateAuthHeader("POST", "/v1/verifications", nil, "unknown-key", "n3"); header != "" {
			t.Error("Expected empty auth header for unknown keyID")
		}

		err := auth.VerifySignature("POST", "/v1/verifications", nil, &AuthHeader{
			KeyID: "unknown-key", Timestamp: "1", Nonce: "n", Signature: "s",
		})
		if !errors.Is(err, ErrUnknownKey) {
			t.Errorf("Expected ErrUnknownKey, got %v", err)
		}
	})

	t.Run("ExpiredTimestamp", func(t *testing.T) {
		body := []byte(`{"test": "data"}`)
		authHeader := auth.CreateAuthHeader("POST", "/test", body, "capture-key-1", "n4")
		authInfo, _ := ParseAuthHeader(authHeader)

		authInfo.Timestamp = "1000000000" // Sep 2001

		err := auth.VerifySignature("POST", "/test", body, authInfo)
		if err == nil {
			t.Fatal("Expected signature verification to fail for expired timestamp")
		}

		if !strings.Contains(err.Error(), "timestamp outside allowed skew") {
			t.Errorf("Expected timestamp skew error, got: %v", err)
		}
	})
}

func TestHMACAuth_SignRequest(t *testing.T) {
	auth := NewHMACAuth(map[string]string{"k": "s"}, 0)
	body := []byte(`{"sessionId":"s1"}`)

	req := httptest.NewRequest("POST", "https://backend.example.com/v1/submissions", nil)
	if err := auth.SignRequest(req, body, "k"); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	authInfo, err := ParseAuthHeader(req.Header.Get("Authorization"))
	if err != nil {
		t.Fatalf("Failed to parse signed header: %v", err)
	}
	if err := auth.VerifySignature("POST", "/v1/submissions", body, authInfo); err != nil {
		t.Errorf("Signed request did not verify: %v", err)
	}

	other := httptest.NewRequest("POST", "https://backend.example.com/v1/submissions", nil)
	if err := auth.SignRequest(other, body, "k"); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	otherInfo, _ := ParseAuthHeader(other.Header.Get("Authorization"))
	if otherInfo.Nonce == authInfo.Nonce {
		t.Error("Expected a fresh nonce per request")
	}

	if err := auth.SignRequest(req, body, "missing"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Expected ErrUnknownKey, got %v", err)
	}
}

func TestHMACAuth_Enabled(t *testing.T) {
	var nilAuth *HMACAuth
	if nilAuth.Enabled() {
		t.Error("nil authenticator must be disabled")
	}

	auth := NewHMACAuth(nil, 0)
	if auth.Enabled() {
		t.Error("Expected no keys to mean disabled")
	}
	auth.AddSecret("k", "s")
	if !auth.Enabled() {
		t.Error("Expected authenticator to be enabled after AddSecret")
	}
}

func TestCanonicalString(t *testing.T) {
	expected := "POST\n/v1/verifications/abc\n1640995200\nuuid-nonce-123\nabcdef123456"
	actual := CanonicalString("post", "/v1/verifications/abc", "1640995200", "uuid-nonce-123", "abcdef123456")

	if actual != expected {
		t.Errorf("Canonical string mismatch.\nExpected: %q\nActual: %q", expected, actual)
	}
}

func TestBodySHA256Hex(t *testing.T) {
	body := []byte(`{"test": "data"}`)
	expected := "40b61fe1b15af0a4d5402735b26343e8cf8a045f4d81710e6108a21d91eaf366" // SHA256 of the JSON
	actual := BodySHA256Hex(body)

	if actual != expected {
		t.Errorf("Body SHA256 mismatch.\nExpected: %s\nActual: %s", expected, actual)
	}
}

func TestParseAuthHeader(t *testing.T) {
	t.Run("ValidHeader", func(t *testing.T) {
		header := "PCE-HMAC-SHA256 keyId=test-key,ts=1640995200,nonce=test-nonce,sig=abcd1234"

		authInfo, err := ParseAuthHeader(header)
		if err != nil {
			t.Fatalf("Failed to parse valid header: %v", err)
		}

		if authInfo.KeyID != "test-key" {
			t.Errorf("Expected keyId 'test-key', got '%s'", authInfo.KeyID)
		}
		if authInfo.Timestamp != "1640995200" {
			t.Errorf("Expected timestamp '1640995200', got '%s'", authInfo.Timestamp)
		}
		if authInfo.Nonce != "test-nonce" {
			t.Errorf("Expected nonce 'test-nonce', got '%s'", authInfo.Nonce)
		}
		if authInfo.Signature != "abcd1234" {
			t.Errorf("Expected signature 'abcd1234', got '%s'", authInfo.Signature)
		}
	})

	t.Run("InvalidPrefix", func(t *testing.T) {
		for _, header := range []string{"Bearer token123", "PCE-HMAC-SHA256X keyId=a,ts=1,nonce=n,sig=s"} {
			if _, err := ParseAuthHeader(header); err == nil {
				t.Errorf("Expected error for header %q", header)
			}
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		header := "PCE-HMAC-SHA256 keyId=test-key,ts=1640995200"

		if _, err := ParseAuthHeader(header); err == nil {
			t.Error("Expected error for missing fields")
		}
	})
}
