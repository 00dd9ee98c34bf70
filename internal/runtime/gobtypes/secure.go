package gobtypes

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/pbkdf2"

	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
)

const (
	keyDerivationRounds = 4096
	keySize             = 32
	// DefaultKeyCount is the number of derived keys; new values use the last.
	DefaultKeyCount = 3
	maskedValue     = "**********"
)

var (
	ErrSecretRequired = errors.New("gobflow: secure password and salt are required")
	ErrUnknownKey     = errors.New("gobflow: secure value references an unknown key")
)

// Secure is an encrypted value in its wire envelope {i, l, v}.
type Secure struct {
	SecureKind Kind
	KeyIndex   int
	Level      int
	Ciphertext string
}

func (Secure) gobValue() {}

func (s Secure) Kind() Kind {
	if s.SecureKind == "" {
		return KindSecureString
	}
	return s.SecureKind
}

func (s Secure) Raw() any {
	return map[string]any{"i": int64(s.KeyIndex), "l": int64(s.Level), "v": s.Ciphertext}
}

// String never reveals the plain value.
func (s Secure) String() string { return maskedValue }

func (s Secure) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(s.Raw())
}

var (
	secureMu   sync.RWMutex
	secureBase = map[Kind]Kind{
		KindSecureString:   KindString,
		KindSecureDecimal:  KindDecimal,
		KindSecureDate:     KindDate,
		KindSecureDateTime: KindDateTime,
	}
)

// RegisterSecure adds a secure variant whose decrypted text is coerced to base.
func RegisterSecure(kind, base Kind) {
	secureMu.Lock()
	defer secureMu.Unlock()
	secureBase[kind] = base
}

func IsSecure(kind Kind) bool {
	_, ok := BaseKind(kind)
	return ok
}

// BaseKind returns the plain kind behind a secure kind.
func BaseKind(kind Kind) (Kind, bool) {
	secureMu.RLock()
	defer secureMu.RUnlock()
	base, ok := secureBase[kind]
	return base, ok
}

func secureFromRaw(kind Kind, raw any) (Value, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &CoercionError{Kind: kind, Raw: raw, Err: errors.New("expected {i, l, v} envelope")}
	}
	idx, err := envelopeInt(m["i"])
	if err != nil {
		return nil, &CoercionError{Kind: kind, Raw: raw, Err: err}
	}
	level, err := envelopeInt(m["l"])
	if err != nil {
		return nil, &CoercionError{Kind: kind, Raw: raw, Err: err}
	}
	text, ok := m["v"].(string)
	if !ok {
		return nil, &CoercionError{Kind: kind, Raw: raw, Err: errors.New("envelope value must be a string")}
	}
	return Secure{SecureKind: kind, KeyIndex: idx, Level: level, Ciphertext: text}, nil
}

func envelopeInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case decimal.Decimal:
		return int(n.IntPart()), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unexpected envelope number %T", v)
	}
}

// Cipher encrypts and decrypts secure values with keys derived from a
// password and salt.
type Cipher struct {
	keys [][]byte
}

func NewCipher(password, salt string, keyCount int) (*Cipher, error) {
	if password == "" || salt == "" {
		return nil, ErrSecretRequired
	}
	if keyCount <= 0 {
		keyCount = DefaultKeyCount
	}
	keys := make([][]byte, keyCount)
	for i := range keys {
		keys[i] = pbkdf2.Key([]byte(password), []byte(salt+strconv.Itoa(i)), keyDerivationRounds, keySize, sha256.New)
	}
	return &Cipher{keys: keys}, nil
}

// Encrypt seals plain with the newest key.
func (c *Cipher) Encrypt(kind Kind, level int, plain Value) (Secure, error) {
	base, ok := BaseKind(kind)
	if !ok {
		return Secure{}, &CoercionError{Kind: kind, Raw: plain, Err: errors.New("not a secure kind")}
	}
	if plain != nil && plain.Kind() != base {
		coerced, err := CoerceAs(base, plain.Raw())
		if err != nil {
			return Secure{}, err
		}
		plain = coerced
	}
	text := ""
	if plain != nil {
		text = plain.String()
	}

	idx := len(c.keys) - 1
	aead, err := c.aead(idx)
	if err != nil {
		return Secure{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Secure{}, err
	}
	sealed := aead.Seal(nonce, nonce, []byte(text), nil)
	return Secure{
		SecureKind: kind,
		KeyIndex:   idx,
		Level:      level,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decrypt opens s and coerces the text to the base kind.
func (c *Cipher) Decrypt(s Secure) (Value, error) {
	aead, err := c.aead(s.KeyIndex)
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode secure value: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("gobflow: secure value is truncated")
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("open secure value: %w", err)
	}
	base, _ := BaseKind(s.Kind())
	if base == "" {
		base = KindString
	}
	if len(plain) == 0 {
		return nil, nil
	}
	return CoerceAs(base, string(plain))
}

func (c *Cipher) aead(idx int) (cipher.AEAD, error) {
	if idx < 0 || idx >= len(c.keys) {
		return nil, ErrUnknownKey
	}
	block, err := aes.NewCipher(c.keys[idx])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
