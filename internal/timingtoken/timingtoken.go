// Package timingtoken issues and validates the encrypted timing cookie used
// to detect scripted form submissions that skip the human page-render
// delay. Grounded on the teacher's own stdlib crypto/* usage
// (cmd/elida/main.go generates an ECDSA cert with crypto/rand +
// crypto/x509); this package follows the same "plain stdlib crypto,
// wrapped errors" idiom for AES-256-CBC instead.
package timingtoken

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Config configures the timing-token subsystem for a vhost (falling back
// to global defaults when a field is unset).
type Config struct {
	Enabled        bool
	CookieBase     string        // default "_waf_timing"
	CookieTTL      time.Duration // default 1h
	MinTimeBlock   time.Duration // default 2s
	MinTimeFlag    time.Duration // default 5s
	SecretKey      []byte        // >=32 bytes if set; else generated/derived
	StartPaths     []PathMatch
	EndPaths       []PathMatch
	StartMethods   []string // default GET
	EndMethods     []string // default POST, PUT, PATCH
	ScoreNoCookie  int      // default 30
	ScoreTooFast   int      // default 40 (< MinTimeBlock)
	ScoreSuspect   int      // default 20 (< MinTimeFlag)
}

// PathMatch is a path pattern with its matching mode. Regex patterns are
// compiled once at config-load time via NewPathMatch, never per-request.
type PathMatch struct {
	Pattern  string
	Mode     MatchMode
	compiled *regexp.Regexp
}

// NewPathMatch builds a PathMatch, compiling the pattern up front when
// mode is regex. An invalid regex yields a PathMatch that never matches.
func NewPathMatch(pattern string, mode MatchMode) PathMatch {
	pm := PathMatch{Pattern: pattern, Mode: mode}
	if mode == MatchRegex {
		pm.compiled, _ = regexp.Compile(pattern)
	}
	return pm
}

// MatchMode mirrors the endpoint matcher's path_match_mode vocabulary.
type MatchMode string

const (
	MatchExact  MatchMode = "exact"
	MatchPrefix MatchMode = "prefix"
	MatchRegex  MatchMode = "regex"
)

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		CookieBase:    "_waf_timing",
		CookieTTL:     time.Hour,
		MinTimeBlock:  2 * time.Second,
		MinTimeFlag:   5 * time.Second,
		StartMethods:  []string{"GET"},
		EndMethods:    []string{"POST", "PUT", "PATCH"},
		ScoreNoCookie: 30,
		ScoreTooFast:  40,
		ScoreSuspect:  20,
	}
}

// token is the ephemeral plaintext record, serialized then AES-256-CBC
// encrypted and base64-encoded for cookie transport.
type token struct {
	TS    int64  `json:"ts"`
	Path  string `json:"path"`
	Vhost string `json:"vhost"`
	Nonce string `json:"nonce"`
}

// Outcome of a validation attempt.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeNoCookie   Outcome = "no_cookie"
	OutcomeInvalid    Outcome = "invalid"
	OutcomeExpired    Outcome = "expired"
	OutcomeTooFast    Outcome = "too_fast"
	OutcomeSuspicious Outcome = "suspicious"
)

// ValidateResult carries the outcome and the score to add to the request.
type ValidateResult struct {
	Outcome Outcome
	Score   int
	Age     time.Duration
}

// CookieName returns the vhost-scoped cookie name, sanitizing the vhost id
// for use as a cookie-name component.
func CookieName(base, vhostID string) string {
	return base + "_" + sanitizeVhost(vhostID)
}

func sanitizeVhost(vhostID string) string {
	var sb strings.Builder
	for _, r := range vhostID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

// Issuer encrypts and decrypts timing tokens using a worker-wide key.
type Issuer struct {
	key []byte // 32 bytes, AES-256
}

// NewIssuer builds an Issuer from a key of at least 32 bytes (truncated to
// 32). Key management (configured key vs. generated vs. derived fallback)
// is the caller's responsibility — see ResolveKey.
func NewIssuer(key []byte) (*Issuer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("timingtoken: key must be at least 32 bytes, got %d", len(key))
	}
	return &Issuer{key: key[:32]}, nil
}

// Issue builds, encrypts, and base64-encodes a new token for the given
// path and vhost, stamped with now.
func (iss *Issuer) Issue(now time.Time, path, vhost string) (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("timingtoken: nonce generation failed: %w", err)
	}

	t := token{
		TS:    now.Unix(),
		Path:  path,
		Vhost: vhost,
		Nonce: base64.RawURLEncoding.EncodeToString(nonce),
	}

	plaintext, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("timingtoken: marshal failed: %w", err)
	}

	ciphertext, err := iss.encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

// Decode decrypts and parses a cookie value back into its timestamp/path/
// vhost fields. Any failure (bad base64, bad padding, bad JSON) is reported
// uniformly — the caller maps this to OutcomeInvalid.
func (iss *Issuer) Decode(cookieValue string) (*token, error) {
	raw, err := base64.URLEncoding.DecodeString(cookieValue)
	if err != nil {
		return nil, err
	}
	plaintext, err := iss.decrypt(raw)
	if err != nil {
		return nil, err
	}
	var t token
	if err := json.Unmarshal(plaintext, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (iss *Issuer) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(iss.key)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	out := make([]byte, aes.BlockSize+len(padded))
	copy(out[:aes.BlockSize], iv)

	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

func (iss *Issuer) decrypt(data []byte) ([]byte, error) {
	if len(data) < 2*aes.BlockSize {
		return nil, fmt.Errorf("timingtoken: ciphertext too short")
	}
	block, err := aes.NewCipher(iss.key)
	if err != nil {
		return nil, err
	}

	iv := data[:aes.BlockSize]
	ciphertext := data[aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("timingtoken: ciphertext not block-aligned")
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("timingtoken: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("timingtoken: invalid padding")
	}
	return data[:len(data)-padLen], nil
}

// ShouldIssue reports whether the subsystem should attach a cookie to this
// response, per spec: feature enabled, method is GET, path matches a
// start_path under its match mode, and the endpoint-level toggle isn't off.
func ShouldIssue(cfg Config, method, path string, endpointOptOut bool) bool {
	if !cfg.Enabled || endpointOptOut {
		return false
	}
	if !containsMethod(cfg.StartMethods, method) {
		return false
	}
	return matchesAny(cfg.StartPaths, path)
}

// ShouldValidate reports whether an incoming submission should be checked:
// feature enabled, method in {POST,PUT,PATCH}, path matches end_paths.
func ShouldValidate(cfg Config, method, path string) bool {
	if !cfg.Enabled {
		return false
	}
	if !containsMethod(cfg.EndMethods, method) {
		return false
	}
	return matchesAny(cfg.EndPaths, path)
}

func containsMethod(methods []string, method string) bool {
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// ContainsMethod reports whether method (case-insensitively) appears in
// methods. Exported so other components sharing this path-match
// vocabulary (the behavioral flow registry) don't need their own copy.
func ContainsMethod(methods []string, method string) bool { return containsMethod(methods, method) }

// MatchesAny reports whether path matches any of patterns under each
// pattern's own match mode. Exported for the same reason as
// ContainsMethod.
func MatchesAny(patterns []PathMatch, path string) bool { return matchesAny(patterns, path) }

func matchesAny(patterns []PathMatch, path string) bool {
	for _, p := range patterns {
		switch p.Mode {
		case MatchExact:
			if p.Pattern == path {
				return true
			}
		case MatchPrefix:
			if strings.HasPrefix(path, p.Pattern) {
				return true
			}
		case MatchRegex:
			if p.compiled != nil && p.compiled.MatchString(path) {
				return true
			}
		}
	}
	return false
}

// BuildCookie constructs the Set-Cookie header value for an issued token.
func BuildCookie(cfg Config, vhostID, encoded string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName(cfg.CookieBase, vhostID),
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(cfg.CookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Validate decrypts the cookie and scores the elapsed age against the
// configured thresholds. The <min_time_block boundary is strict: an age
// exactly equal to MinTimeBlock is not too-fast.
func (iss *Issuer) Validate(cfg Config, now time.Time, vhostID, cookieValue string) ValidateResult {
	if cookieValue == "" {
		return ValidateResult{Outcome: OutcomeNoCookie, Score: cfg.ScoreNoCookie}
	}

	t, err := iss.Decode(cookieValue)
	if err != nil {
		return ValidateResult{Outcome: OutcomeInvalid, Score: cfg.ScoreNoCookie}
	}
	if t.Vhost != vhostID {
		return ValidateResult{Outcome: OutcomeInvalid, Score: cfg.ScoreNoCookie}
	}

	issuedAt := time.Unix(t.TS, 0)
	age := now.Sub(issuedAt)
	if age < 0 {
		return ValidateResult{Outcome: OutcomeInvalid, Score: cfg.ScoreNoCookie}
	}
	if age > cfg.CookieTTL {
		return ValidateResult{Outcome: OutcomeExpired, Score: cfg.ScoreNoCookie, Age: age}
	}

	switch {
	case age < cfg.MinTimeBlock:
		return ValidateResult{Outcome: OutcomeTooFast, Score: cfg.ScoreTooFast, Age: age}
	case age < cfg.MinTimeFlag:
		return ValidateResult{Outcome: OutcomeSuspicious, Score: cfg.ScoreSuspect, Age: age}
	default:
		return ValidateResult{Outcome: OutcomeOK, Score: 0, Age: age}
	}
}
