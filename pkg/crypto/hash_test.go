package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// SHA-256 test vectors from NIST FIPS 180-4 and the NIST CAVP short
// message set.
var sha256TestVectors = []struct {
	name     string
	message  string // hex-encoded input
	expected string // hex-encoded digest
}{
	{
		name:     "FIPS180-4_B1_abc",
		message:  "616263", // "abc"
		expected: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
	},
	{
		name:     "FIPS180-4_B2_448bit",
		message:  "6162636462636465636465666465666765666768666768696768696a68696a6b696a6b6c6a6b6c6d6b6c6d6e6c6d6e6f6d6e6f706e6f7071",
		expected: "248d6a61d20638b8e5c026930c3e6039a33ce45964ff2167f6ecedd419db06c1",
	},
	{
		name:     "CAVP_empty",
		message:  "",
		expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
	},
	{
		name:     "CAVP_8bit",
		message:  "d3",
		expected: "28969cdfa74a12c82f3bad960b0b000aca2ac329deea5c2328ebc6f2ba9802c1",
	},
	{
		name:     "CAVP_40bit",
		message:  "c299209682",
		expected: "f0887fe961c9cd3beab957e8222494abb969b1ce4c6557976df8b0f6d20e9166",
	},
	{
		name:     "CAVP_512bit",
		message:  "5a86b737eaea8ee976a0a24da63e7ed7eefad18a101c1211e2b3650c5187c2a8a650547208251f6d4237e661c7bf4c77f335390394c37fa1a9f9be836ac28509",
		expected: "42e61e174fbb3897d6dd6cef3dd2802fe67b331953b06114a65c772859dfc1aa",
	},
}

func TestSHA256(t *testing.T) {
	for _, tc := range sha256TestVectors {
		t.Run(tc.name, func(t *testing.T) {
			message, err := hex.DecodeString(tc.message)
			if err != nil {
				t.Fatalf("failed to decode message hex: %v", err)
			}
			expected, err := hex.DecodeString(tc.expected)
			if err != nil {
				t.Fatalf("failed to decode expected hex: %v", err)
			}

			digest := SHA256(message)
			if !bytes.Equal(digest[:], expected) {
				t.Errorf("SHA256 mismatch\ngot:  %x\nwant: %x", digest[:], expected)
			}

			if slice := SHA256Slice(message); !bytes.Equal(slice, expected) {
				t.Errorf("SHA256Slice mismatch\ngot:  %x\nwant: %x", slice, expected)
			}
		})
	}
}

func TestNewSHA256_SegmentedInput(t *testing.T) {
	// Hashing segment by segment must match hashing the reassembled
	// data, whatever the segment boundaries.
	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	expected := SHA256Slice(data)

	for _, size := range []int{1, 64, 1024, 1500, len(data)} {
		h := NewSHA256()
		for off := 0; off < len(data); off += size {
			end := off + size
			if end > len(data) {
				end = len(data)
			}
			h.Write(data[off:end])
		}
		if got := h.Sum(nil); !bytes.Equal(got, expected) {
			t.Errorf("segment size %d: digest mismatch\ngot:  %x\nwant: %x", size, got, expected)
		}
	}
}

func TestNewSHA256_Reset(t *testing.T) {
	h := NewSHA256()
	h.Write([]byte("discarded"))
	h.Reset()
	h.Write([]byte("abc"))

	expected := SHA256([]byte("abc"))
	if got := h.Sum(nil); !bytes.Equal(got, expected[:]) {
		t.Errorf("digest after reset mismatch\ngot:  %x\nwant: %x", got, expected[:])
	}
}

func TestSHA256Lengths(t *testing.T) {
	if SHA256LenBits/8 != SHA256LenBytes {
		t.Errorf("SHA256LenBits/8 = %d, SHA256LenBytes = %d", SHA256LenBits/8, SHA256LenBytes)
	}
	digest := SHA256(nil)
	if len(digest) != SHA256LenBytes {
		t.Errorf("digest length %d, want %d", len(digest), SHA256LenBytes)
	}
}

func BenchmarkSHA256(b *testing.B) {
	message := make([]byte, 1024)
	for i := range message {
		message[i] = byte(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SHA256(message)
	}
}
