// Package tokenizer adapts pretrained HuggingFace tokenizers (tokenizer.json)
// to the token-id sequences consumed by the embedding backends.
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	hf "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// ErrEmptyInput is returned when the text to encode is empty or whitespace only.
var ErrEmptyInput = errors.New("empty input text")

// Tokenizer converts text into model-ready token sequences
type Tokenizer interface {
	// Encode tokenizes text with special tokens added.
	Encode(text string) (*Encoding, error)
	// Count returns the number of tokens Encode would produce.
	Count(text string) (int, error)
}

// Encoding is one tokenized sequence. All three slices have the same length.
type Encoding struct {
	IDs           []int64
	AttentionMask []int64
	TypeIDs       []int64
}

// Len returns the sequence length
func (e *Encoding) Len() int {
	return len(e.IDs)
}

// Options controls post-load configuration of a tokenizer
type Options struct {
	// Padding applies a Fixed padding rule declared in tokenizer.json.
	// BatchLongest is a no-op for single sequences.
	Padding bool
	// Truncation applies the max_length declared in tokenizer.json.
	Truncation bool
	// MaxLength overrides the file's max_length when Truncation is set.
	MaxLength int
}

type padRule struct {
	length int
	id     int64
	typeID int64
	left   bool
}

// HFTokenizer wraps a pretrained HuggingFace tokenizer.
//
// Truncation and padding are applied here rather than inside the library:
// its truncation path crashes on single sequences and it cannot parse the
// standard padding section, so both sections are stripped before building.
type HFTokenizer struct {
	tk     *hf.Tokenizer
	path   string
	maxLen int
	pad    *padRule
}

// Load reads a tokenizer.json file. Padding and truncation stay off unless
// requested in opts; the chunking tokenizer must never pad or truncate.
func Load(path string, opts Options) (*HFTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer file %s: %w", path, err)
	}

	var cfg hf.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer %s: %w", path, err)
	}

	t := &HFTokenizer{path: path}
	if opts.Truncation {
		t.maxLen = maxLengthOf(cfg.Truncation)
		if opts.MaxLength > 0 {
			t.maxLen = opts.MaxLength
		}
	}
	if opts.Padding {
		t.pad = padRuleOf(cfg.Padding)
	}
	cfg.Truncation = nil
	cfg.Padding = nil

	tk, err := build(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer %s: %w", path, err)
	}
	t.tk = tk
	return t, nil
}

// build assembles the tokenizer the way pretrained.FromFile does, minus the
// truncation and padding steps. Malformed sections panic inside the library,
// so panics are turned into errors.
func build(cfg *hf.Config) (tk *hf.Tokenizer, err error) {
	defer func() {
		if r := recover(); r != nil {
			tk, err = nil, fmt.Errorf("malformed tokenizer config: %v", r)
		}
	}()

	if cfg.Model == nil {
		return nil, errors.New("tokenizer config has no model section")
	}
	model, err := pretrained.CreateModel(cfg)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	tk = hf.NewTokenizer(model)

	n, err := pretrained.CreateNormalizer(cfg.Normalizer)
	if err != nil {
		return nil, fmt.Errorf("normalizer: %w", err)
	}
	tk.WithNormalizer(n)

	preTok, err := pretrained.CreatePreTokenizer(cfg.PreTokenizer)
	if err != nil {
		return nil, fmt.Errorf("pre-tokenizer: %w", err)
	}
	tk.WithPreTokenizer(preTok)

	post, err := pretrained.CreatePostProcessor(cfg.PostProcessor)
	if err != nil {
		return nil, fmt.Errorf("post-processor: %w", err)
	}
	tk.WithPostProcessor(post)

	dec, err := pretrained.CreateDecoder(cfg.Decoder)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	tk.WithDecoder(dec)

	special, added := pretrained.CreateAddedTokens(cfg.AddedTokens)
	if len(special) > 0 {
		tk.AddSpecialTokens(special)
	}
	if len(added) > 0 {
		tk.AddTokens(added)
	}

	tk.WithTruncation(nil)
	tk.WithPadding(nil)
	return tk, nil
}

func maxLengthOf(section map[string]interface{}) int {
	if v, ok := section["max_length"].(float64); ok && v > 0 {
		return int(v)
	}
	return 0
}

// padRuleOf reads {"strategy":{"Fixed":N}, "pad_id":..., "direction":...}.
func padRuleOf(section map[string]interface{}) *padRule {
	strategy, ok := section["strategy"].(map[string]interface{})
	if !ok {
		return nil
	}
	fixed, ok := strategy["Fixed"].(float64)
	if !ok || fixed <= 0 {
		return nil
	}
	rule := &padRule{length: int(fixed)}
	if v, ok := section["pad_id"].(float64); ok {
		rule.id = int64(v)
	}
	if v, ok := section["pad_type_id"].(float64); ok {
		rule.typeID = int64(v)
	}
	if v, ok := section["direction"].(string); ok {
		rule.left = strings.EqualFold(v, "left")
	}
	return rule
}

// Path returns the file the tokenizer was loaded from
func (t *HFTokenizer) Path() string {
	return t.path
}

// MaxLength returns the truncation limit, or 0 when sequences are not truncated.
func (t *HFTokenizer) MaxLength() int {
	return t.maxLen
}

// Encode tokenizes text and returns ids, attention mask and type ids
func (t *HFTokenizer) Encode(text string) (*Encoding, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	en, err := t.encodeSingle(text)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	enc := &Encoding{
		IDs:           toInt64(en.GetIds()),
		AttentionMask: toInt64(en.GetAttentionMask()),
		TypeIDs:       toInt64(en.GetTypeIds()),
	}
	if err := enc.Validate(); err != nil {
		return nil, err
	}
	if t.maxLen > 0 {
		enc.truncate(t.maxLen, trailingSpecial(en.GetSpecialTokenMask(), enc.Len()))
	}
	if t.pad != nil {
		enc.pad(t.pad)
	}
	return enc, nil
}

func (t *HFTokenizer) encodeSingle(text string) (en *hf.Encoding, err error) {
	defer func() {
		if r := recover(); r != nil {
			en, err = nil, fmt.Errorf("tokenizer panic: %v", r)
		}
	}()
	return t.tk.EncodeSingle(text, true)
}

// Count returns the token count for text
func (t *HFTokenizer) Count(text string) (int, error) {
	enc, err := t.Encode(text)
	if err != nil {
		return 0, err
	}
	return enc.Len(), nil
}

// Validate checks that the encoding is non-empty and its slices line up.
func (e *Encoding) Validate() error {
	if len(e.IDs) == 0 {
		return fmt.Errorf("encoding has no tokens")
	}
	if len(e.AttentionMask) != len(e.IDs) || len(e.TypeIDs) != len(e.IDs) {
		return fmt.Errorf("encoding length mismatch: ids=%d mask=%d types=%d",
			len(e.IDs), len(e.AttentionMask), len(e.TypeIDs))
	}
	return nil
}

// truncate cuts the sequence to maxLen tokens, keeping the last keep tokens
// (the closing special tokens such as [SEP]).
func (e *Encoding) truncate(maxLen, keep int) {
	n := e.Len()
	if n <= maxLen {
		return
	}
	if keep >= maxLen {
		keep = 0
	}
	cut := func(s []int64) []int64 {
		out := make([]int64, 0, maxLen)
		out = append(out, s[:maxLen-keep]...)
		return append(out, s[n-keep:]...)
	}
	e.IDs = cut(e.IDs)
	e.AttentionMask = cut(e.AttentionMask)
	e.TypeIDs = cut(e.TypeIDs)
}

func (e *Encoding) pad(rule *padRule) {
	missing := rule.length - e.Len()
	if missing <= 0 {
		return
	}
	fill := func(s []int64, v int64) []int64 {
		padding := make([]int64, missing)
		for i := range padding {
			padding[i] = v
		}
		if rule.left {
			return append(padding, s...)
		}
		return append(s, padding...)
	}
	e.IDs = fill(e.IDs, rule.id)
	e.AttentionMask = fill(e.AttentionMask, 0)
	e.TypeIDs = fill(e.TypeIDs, rule.typeID)
}

// trailingSpecial counts the special tokens closing the sequence.
func trailingSpecial(mask []int, n int) int {
	if len(mask) != n {
		return 0
	}
	count := 0
	for i := n - 1; i >= 0 && mask[i] == 1; i-- {
		count++
	}
	return count
}

func toInt64(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}
