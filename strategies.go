package dataveil

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Built-in strategy names as used in policy files.
const (
	StrategyHash        = "hash"
	StrategyTokenize    = "tokenize"
	StrategyRedact      = "redact"
	StrategyPassthrough = "passthrough"
	StrategySynthetic   = "synthetic"
	StrategyUUID        = "uuid"
)

// Hash output alphabets.
const (
	alphabetHex    = "0123456789abcdef"
	alphabetDigits = "0123456789"
	alphabetAlnum  = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// keystream yields an endless deterministic byte sequence derived from
// (salt, value, attempt) by chaining SHA-256 digests. Both the hash and
// tokenize strategies draw from it.
type keystream struct {
	block [sha256.Size]byte
	pos   int
}

func newKeystream(salt, value string, attempt int) *keystream {
	h := sha256.New()
	io.WriteString(h, salt)
	h.Write([]byte{0})
	io.WriteString(h, value)
	if attempt > 0 {
		h.Write([]byte{0})
		io.WriteString(h, strconv.Itoa(attempt))
	}
	ks := &keystream{}
	h.Sum(ks.block[:0])
	return ks
}

func (ks *keystream) next() byte {
	if ks.pos == len(ks.block) {
		ks.block = sha256.Sum256(ks.block[:])
		ks.pos = 0
	}
	b := ks.block[ks.pos]
	ks.pos++
	return b
}

// hashStrategy is the deterministic one-way digest strategy. Output is
// hex by default; length and alphabet re-shape it for fields with a
// declared format, such as digits only for phone-like columns.
type hashStrategy struct {
	salt     string
	length   int
	alphabet string
}

func newHashStrategy(p Params) (Strategy, error) {
	alphabet := alphabetHex
	switch p.Alphabet {
	case "", "hex":
	case "digits":
		alphabet = alphabetDigits
	case "alnum":
		alphabet = alphabetAlnum
	default:
		return nil, fmt.Errorf("hash: alphabet %q not known (want hex, digits or alnum)", p.Alphabet)
	}
	if p.Length < 0 {
		return nil, fmt.Errorf("hash: length must not be negative, got %d", p.Length)
	}
	length := p.Length
	if length == 0 {
		length = sha256.Size * 2
	}
	return &hashStrategy{salt: p.Salt, length: length, alphabet: alphabet}, nil
}

func (s *hashStrategy) Name() string    { return StrategyHash }
func (s *hashStrategy) UsesVault() bool { return true }

func (s *hashStrategy) Generate(value string, attempt int) (string, error) {
	ks := newKeystream(s.salt, value, attempt)
	var b strings.Builder
	b.Grow(s.length)
	for i := 0; i < s.length; i++ {
		b.WriteByte(s.alphabet[int(ks.next())%len(s.alphabet)])
	}
	return b.String(), nil
}

// tokenizeStrategy preserves the length and per-position character
// class of the input while decoupling the output from the real value.
// Uppercase letters map to uppercase, lowercase to lowercase, digits to
// digits; every other rune is kept verbatim.
type tokenizeStrategy struct {
	salt string
}

func newTokenizeStrategy(p Params) (Strategy, error) {
	return &tokenizeStrategy{salt: p.Salt}, nil
}

func (s *tokenizeStrategy) Name() string    { return StrategyTokenize }
func (s *tokenizeStrategy) UsesVault() bool { return true }

func (s *tokenizeStrategy) Generate(value string, attempt int) (string, error) {
	// a value with no letter or digit has only one format-preserving
	// rendering: itself
	if !hasMaskableRune(value) {
		return value, nil
	}
	// a draw can reproduce the input on short values; bump the attempt
	// internally until it does not
	for bump := 0; ; bump++ {
		out := s.draw(value, attempt+bump)
		if out != value {
			return out, nil
		}
	}
}

func hasMaskableRune(value string) bool {
	for _, r := range value {
		if unicode.IsUpper(r) || unicode.IsLower(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func (s *tokenizeStrategy) draw(value string, attempt int) string {
	ks := newKeystream(s.salt, value, attempt)
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case unicode.IsUpper(r):
			b.WriteByte('A' + ks.next()%26)
		case unicode.IsLower(r):
			b.WriteByte('a' + ks.next()%26)
		case unicode.IsDigit(r):
			b.WriteByte('0' + ks.next()%10)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// redactStrategy replaces the value with a fixed placeholder, or with
// a star fill of the original length when KeepLength is set. It is
// idempotent and needs no vault entry.
type redactStrategy struct {
	placeholder string
	keepLength  bool
}

func newRedactStrategy(p Params) (Strategy, error) {
	if p.KeepLength && p.Placeholder != "" {
		return nil, fmt.Errorf("redact: placeholder and keep_length are mutually exclusive")
	}
	placeholder := p.Placeholder
	if placeholder == "" {
		placeholder = "REDACTED"
	}
	return &redactStrategy{placeholder: placeholder, keepLength: p.KeepLength}, nil
}

func (s *redactStrategy) Name() string    { return StrategyRedact }
func (s *redactStrategy) UsesVault() bool { return false }

func (s *redactStrategy) Generate(value string, attempt int) (string, error) {
	if s.keepLength {
		return strings.Repeat("*", len([]rune(value))), nil
	}
	return s.placeholder, nil
}

// passthroughStrategy returns the value unchanged. It exists so that
// leaving a column untouched is an explicit policy choice, never a
// fallback from error.
type passthroughStrategy struct{}

func newPassthroughStrategy(p Params) (Strategy, error) {
	return passthroughStrategy{}, nil
}

func (s passthroughStrategy) Name() string    { return StrategyPassthrough }
func (s passthroughStrategy) UsesVault() bool { return false }

func (s passthroughStrategy) Generate(value string, attempt int) (string, error) {
	return value, nil
}

// syntheticStrategy deterministically picks a replacement from a
// wordlist, either inline values or a source file with one entry per
// line. Once collisions exhaust the list a numeric suffix keeps the
// output distinct.
type syntheticStrategy struct {
	salt   string
	values []string
}

func newSyntheticStrategy(p Params) (Strategy, error) {
	values := p.Values
	if p.Source != "" {
		if len(values) > 0 {
			return nil, fmt.Errorf("synthetic: values and source are mutually exclusive")
		}
		f, err := os.Open(p.Source)
		if err != nil {
			return nil, fmt.Errorf("synthetic: %w", err)
		}
		defer f.Close()
		values, err = readWordlist(f)
		if err != nil {
			return nil, fmt.Errorf("synthetic: source %s: %w", p.Source, err)
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("synthetic: no replacement values provided")
	}
	for _, v := range values {
		if strings.Contains(v, "\t") {
			return nil, fmt.Errorf("synthetic: replacement value contains a tab")
		}
	}
	return &syntheticStrategy{salt: p.Salt, values: values}, nil
}

// readWordlist reads one replacement per line, skipping blank lines.
func readWordlist(r io.Reader) ([]string, error) {
	var values []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t := scanner.Text()
		if t == "" {
			continue
		}
		values = append(values, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func (s *syntheticStrategy) Name() string    { return StrategySynthetic }
func (s *syntheticStrategy) UsesVault() bool { return true }

func (s *syntheticStrategy) Generate(value string, attempt int) (string, error) {
	ks := newKeystream(s.salt, value, 0)
	var buf [8]byte
	for i := range buf {
		buf[i] = ks.next()
	}
	base := binary.BigEndian.Uint64(buf[:])
	idx := (base + uint64(attempt)) % uint64(len(s.values))
	out := s.values[idx]
	if attempt >= len(s.values) {
		// list exhausted by collisions
		out += strconv.Itoa(attempt)
	}
	return out, nil
}

// uuidStrategy returns a random UUIDv4 per original value. It is not
// deterministic in isolation; the vault pins the first generated token
// so each original maps to one stable token.
type uuidStrategy struct{}

func newUUIDStrategy(p Params) (Strategy, error) {
	return uuidStrategy{}, nil
}

func (s uuidStrategy) Name() string    { return StrategyUUID }
func (s uuidStrategy) UsesVault() bool { return true }

func (s uuidStrategy) Generate(value string, attempt int) (string, error) {
	return uuid.NewString(), nil
}
