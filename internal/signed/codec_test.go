package signed

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type draft struct {
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	Body     string    `json:"body"`
	ParentID int64     `json:"parent_id"`
	Followup bool      `json:"followup"`
	Date     time.Time `json:"date"`
}

func sampleDraft() draft {
	return draft{
		Name:     "Avery",
		Email:    "avery@example.com",
		Body:     strings.Repeat("a comment body that compresses well ", 20),
		ParentID: 42,
		Followup: true,
		Date:     time.Date(2026, 10, 18, 9, 30, 0, 123000, time.UTC),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := New([]byte("secret"), "comments.confirm")
	for _, compress := range []bool{false, true} {
		token, err := codec.Encode(sampleDraft(), compress)
		if err != nil {
			t.Fatalf("Encode(compress=%v) error = %v", compress, err)
		}
		var got draft
		if err := codec.Decode(token, &got); err != nil {
			t.Fatalf("Decode(compress=%v) error = %v", compress, err)
		}
		want := sampleDraft()
		if got.Name != want.Name || got.Email != want.Email || got.Body != want.Body ||
			got.ParentID != want.ParentID || got.Followup != want.Followup || !got.Date.Equal(want.Date) {
			t.Fatalf("Decode(compress=%v) = %+v, want %+v", compress, got, want)
		}
	}
}

func TestCompressedTokenIsShorterAndFlagged(t *testing.T) {
	codec := New([]byte("secret"), "comments.confirm")
	plain, _ := codec.Encode(sampleDraft(), false)
	packed, _ := codec.Encode(sampleDraft(), true)
	if !strings.HasPrefix(packed, compressedFlag) {
		t.Fatalf("expected compressed token to carry the flag, got %q", packed[:8])
	}
	if len(packed) >= len(plain) {
		t.Fatalf("expected compressed token to be shorter: %d >= %d", len(packed), len(plain))
	}
}

func TestSmallPayloadSkipsCompression(t *testing.T) {
	codec := New([]byte("secret"), "comments.follow")
	token, err := codec.Encode(map[string]string{"e": "a@x"}, true)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if strings.HasPrefix(token, compressedFlag) {
		t.Fatalf("expected tiny payload to stay uncompressed")
	}
}

func TestDecodeRejectsWrongSecret(t *testing.T) {
	token, err := New([]byte("secret-1"), "comments.confirm").Encode(sampleDraft(), true)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var got draft
	err = New([]byte("secret-2"), "comments.confirm").Decode(token, &got)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestDecodeRejectsOtherPurpose(t *testing.T) {
	token, _ := New([]byte("secret"), "comments.confirm").Encode(sampleDraft(), false)
	var got draft
	if err := New([]byte("secret"), "comments.follow").Decode(token, &got); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature across salts, got %v", err)
	}
}

func TestDecodeRejectsTampering(t *testing.T) {
	codec := New([]byte("secret"), "comments.confirm")
	token, _ := codec.Encode(sampleDraft(), false)
	parts := strings.Split(token, separator)

	flipped := []byte(parts[0])
	if flipped[3] == 'A' {
		flipped[3] = 'B'
	} else {
		flipped[3] = 'A'
	}
	tests := []struct {
		name  string
		token string
	}{
		{name: "payload", token: string(flipped) + "." + parts[1] + "." + parts[2]},
		{name: "issued", token: parts[0] + ".zz." + parts[2]},
		{name: "signature", token: parts[0] + "." + parts[1] + "." + parts[2][:len(parts[2])-2] + "xx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got draft
			if err := codec.Decode(tt.token, &got); !errors.Is(err, ErrBadSignature) {
				t.Fatalf("expected ErrBadSignature, got %v", err)
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	codec := New([]byte("secret"), "comments.confirm")
	for _, token := range []string{"", "abc", "a.b", "a.b.c.d", ".1.sig", "payload.1."} {
		var got draft
		err := codec.Decode(token, &got)
		if !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Decode(%q) expected ErrInvalidToken, got %v", token, err)
		}
		if !IsRejected(err) {
			t.Fatalf("IsRejected(%v) = false", err)
		}
	}
}

func TestDecodeRejectsSignedGarbage(t *testing.T) {
	codec := New([]byte("secret"), "comments.confirm")
	value := "!!notbase64" + separator + "1"
	token := value + separator + codec.sign(value)
	var got draft
	if err := codec.Decode(token, &got); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestDecodeHonoursMaxAge(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := issued
	clock := func() time.Time { return now }
	codec := New([]byte("secret"), "comments.confirm", WithMaxAge(time.Hour), WithClock(clock))

	token, err := codec.Encode(sampleDraft(), true)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	now = issued.Add(59 * time.Minute)
	var got draft
	if err := codec.Decode(token, &got); err != nil {
		t.Fatalf("expected token within max age to decode, got %v", err)
	}

	now = issued.Add(2 * time.Hour)
	if err := codec.Decode(token, &got); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestTokensWithoutMaxAgeNeverExpire(t *testing.T) {
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	codec := New([]byte("secret"), "comments.follow", WithClock(func() time.Time { return now }))
	token, _ := codec.Encode(map[string]any{"e": "a@x", "c": 1}, false)
	now = now.AddDate(10, 0, 0)
	var got map[string]any
	if err := codec.Decode(token, &got); err != nil {
		t.Fatalf("expected durable token to decode, got %v", err)
	}
}

func TestTokenDoesNotContainSecret(t *testing.T) {
	secret := "very-visible-secret"
	token, _ := New([]byte(secret), "comments.confirm").Encode(map[string]string{"k": "v"}, false)
	if strings.Contains(token, secret) {
		t.Fatalf("token leaks secret: %s", token)
	}
}
