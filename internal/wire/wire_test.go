package wire

import (
	"bytes"
	"testing"
)

func TestFramingRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("a"),
		[]byte("hello, world"),
		bytes.Repeat([]byte{0x42}, 70000),
	}
	for _, payload := range cases {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, payload); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
		}
	}
}

func TestReadLengthShortRead(t *testing.T) {
	_, err := ReadLength(bytes.NewReader([]byte{0x00, 0x01}))
	if err != ErrShortRead {
		t.Fatalf("got %v, want ErrShortRead", err)
	}
}

func TestReadLengthEmpty(t *testing.T) {
	_, err := ReadLength(bytes.NewReader(nil))
	if err != ErrShortRead {
		t.Fatalf("got %v, want ErrShortRead", err)
	}
}

func TestCryptoRoundTrip(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	plaintext := []byte(`{"type":"chat","text":"hi"}`)

	ciphertext, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestCryptoWrongKeyFails(t *testing.T) {
	key, _ := NewKey()
	other, _ := NewKey()
	ciphertext, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(other, ciphertext); err != ErrCryptoFail {
		t.Fatalf("got %v, want ErrCryptoFail", err)
	}
}

func TestCryptoTamperedCiphertextFails(t *testing.T) {
	key, _ := NewKey()
	ciphertext, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ciphertext[0] ^= 0xff
	if _, err := Decrypt(key, ciphertext); err != ErrCryptoFail {
		t.Fatalf("got %v, want ErrCryptoFail", err)
	}
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := HashPassword("correct horse battery staple")
	b := HashPassword("correct horse battery staple")
	if a != b {
		t.Fatalf("hash not deterministic: %q != %q", a, b)
	}
}

func TestVerifyPasswordEmptyExpectedAlwaysPasses(t *testing.T) {
	if !VerifyPassword("anything", "") {
		t.Fatal("empty expected password hash should accept any input")
	}
}

func TestVerifyPassword(t *testing.T) {
	hash := HashPassword("swordfish")
	if !VerifyPassword("swordfish", hash) {
		t.Fatal("expected correct password to verify")
	}
	if VerifyPassword("wrong", hash) {
		t.Fatal("expected wrong password to fail verification")
	}
}

func TestFingerprintIsLowerHex64(t *testing.T) {
	fp := Fingerprint([]byte("hello"))
	if len(fp) != 64 {
		t.Fatalf("got length %d, want 64", len(fp))
	}
	for _, r := range fp {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Fatalf("fingerprint %q contains non-lowercase-hex rune %q", fp, r)
		}
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint([]byte("same bytes"))
	b := Fingerprint([]byte("same bytes"))
	if a != b {
		t.Fatalf("fingerprint not stable: %q != %q", a, b)
	}
}
