package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const fixture = "testdata/tokenizer.json"

const sentence = "The quick brown fox jumps over the lazy dog"

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "tokenizer.json"), Options{})
	if err == nil {
		t.Fatal("Expected error for missing tokenizer file")
	}
}

func TestLoad_StandardSections(t *testing.T) {
	// The fixture carries a Fixed padding section and a truncation section,
	// both of which must load for every option set.
	for _, opts := range []Options{{}, {Truncation: true}, {Padding: true, Truncation: true}} {
		tk, err := Load(fixture, opts)
		if err != nil {
			t.Fatalf("Load(%+v): unexpected error: %v", opts, err)
		}
		if tk.Path() != fixture {
			t.Errorf("Expected path %s, got %s", fixture, tk.Path())
		}
	}
}

func TestLoad_Malformed(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"NotJSON":       "{not json",
		"NoModel":       `{"version":"1.0"}`,
		"BadNormalizer": `{"model":{"type":"WordPiece","vocab":{"[UNK]":0}},"normalizer":{"type":"BertNormalizer","lowercase":"yes"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path, Options{}); err == nil {
				t.Error("Expected error for malformed tokenizer file")
			}
		})
	}
}

func TestEncode_Fixture(t *testing.T) {
	t.Run("SpecialTokens", func(t *testing.T) {
		tk, err := Load(fixture, Options{})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		enc, err := tk.Encode("Hello, world.")
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		want := []int64{2, 12, 14, 13, 15, 3}
		if !equalIDs(enc.IDs, want) {
			t.Errorf("Expected ids %v, got %v", want, enc.IDs)
		}
		for i, m := range enc.AttentionMask {
			if m != 1 {
				t.Errorf("Expected mask 1 at %d, got %d", i, m)
			}
		}
	})

	t.Run("UnknownWord", func(t *testing.T) {
		tk, err := Load(fixture, Options{})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		enc, err := tk.Encode("hello zebra")
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		want := []int64{2, 12, 1, 3}
		if !equalIDs(enc.IDs, want) {
			t.Errorf("Expected ids %v, got %v", want, enc.IDs)
		}
	})

	t.Run("NoTruncation", func(t *testing.T) {
		tk, err := Load(fixture, Options{})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		n, err := tk.Count(sentence)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n != 11 {
			t.Errorf("Expected 11 tokens, got %d", n)
		}
	})

	t.Run("TruncatesOverLength", func(t *testing.T) {
		tk, err := Load(fixture, Options{Truncation: true})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if tk.MaxLength() != 8 {
			t.Fatalf("Expected max length 8, got %d", tk.MaxLength())
		}
		enc, err := tk.Encode(sentence)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		want := []int64{2, 4, 5, 6, 7, 8, 9, 3}
		if !equalIDs(enc.IDs, want) {
			t.Errorf("Expected ids %v, got %v", want, enc.IDs)
		}
		if err := enc.Validate(); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	})

	t.Run("MaxLengthOverride", func(t *testing.T) {
		tk, err := Load(fixture, Options{Truncation: true, MaxLength: 4})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		enc, err := tk.Encode(sentence)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		want := []int64{2, 4, 5, 3}
		if !equalIDs(enc.IDs, want) {
			t.Errorf("Expected ids %v, got %v", want, enc.IDs)
		}
	})

	t.Run("FixedPadding", func(t *testing.T) {
		tk, err := Load(fixture, Options{Padding: true, Truncation: true})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		enc, err := tk.Encode("hello world")
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if enc.Len() != 16 {
			t.Fatalf("Expected padded length 16, got %d", enc.Len())
		}
		if enc.IDs[3] != 3 || enc.IDs[4] != 0 {
			t.Errorf("Expected [SEP] then [PAD], got %v", enc.IDs[:5])
		}
		var active int64
		for _, m := range enc.AttentionMask {
			active += m
		}
		if active != 4 {
			t.Errorf("Expected 4 attended tokens, got %d", active)
		}
	})
}

func TestEncode_EmptyInput(t *testing.T) {
	tk := &HFTokenizer{}

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := tk.Encode(text); !errors.Is(err, ErrEmptyInput) {
			t.Errorf("Encode(%q): expected ErrEmptyInput, got %v", text, err)
		}
		if _, err := tk.Count(text); !errors.Is(err, ErrEmptyInput) {
			t.Errorf("Count(%q): expected ErrEmptyInput, got %v", text, err)
		}
	}
}

func TestEncodingValidate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		enc := &Encoding{
			IDs:           []int64{101, 7592, 102},
			AttentionMask: []int64{1, 1, 1},
			TypeIDs:       []int64{0, 0, 0},
		}
		if err := enc.Validate(); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
		if enc.Len() != 3 {
			t.Errorf("Expected length 3, got %d", enc.Len())
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if err := (&Encoding{}).Validate(); err == nil {
			t.Error("Expected error for empty encoding")
		}
	})

	t.Run("Mismatch", func(t *testing.T) {
		enc := &Encoding{
			IDs:           []int64{101, 102},
			AttentionMask: []int64{1},
			TypeIDs:       []int64{0, 0},
		}
		if err := enc.Validate(); err == nil {
			t.Error("Expected error for mismatched lengths")
		}
	})
}

func TestToInt64(t *testing.T) {
	got := toInt64([]int{1, 2, 30522})
	want := []int64{1, 2, 30522}
	if len(got) != len(want) {
		t.Fatalf("Expected %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}
