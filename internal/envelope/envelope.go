// Package envelope decodes the per-request invocation context: the composite
// body mode, the encrypted or plain action-context envelope, per-secret
// header and environment fallbacks, and the invocation-context map consumed
// by the post-run hook. The decoded form never leaves the process and secret
// values never reach a log line.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"actionserver/internal/actions"
	"actionserver/internal/fault"
)

// Header names consumed from invocation requests.
const (
	HeaderActionContext     = "x-action-context"
	HeaderDataContext       = "x-data-context"
	HeaderInvocationContext = "x-action-invocation-context"
	HeaderContextInBody     = "x-action-server-context-in-body"
	HeaderAsyncTimeout      = "x-actions-async-timeout"
	HeaderAsyncCallback     = "x-actions-async-callback"
	HeaderRequestID         = "x-actions-request-id"
)

// Header names produced on invocation responses and callback deliveries.
const (
	HeaderRunID           = "x-action-server-run-id"
	HeaderAsyncCompletion = "x-action-async-completion"
)

// DecryptKeysEnv holds a JSON array of base64-encoded 32-byte AES keys.
const DecryptKeysEnv = "ACTION_SERVER_DECRYPT_KEYS"

const algorithmGCM = "aes256-gcm"

// Envelope is the typed result of decoding one request's context sources.
// Secrets and OAuth2 are keyed by managed parameter name and already
// decrypted; DataContext is forwarded opaquely to the worker.
type Envelope struct {
	Secrets           map[string]string
	OAuth2            map[string]string
	DataContext       json.RawMessage
	InvocationContext map[string]string
	Deferred          bool
	AsyncTimeout      time.Duration
	CallbackURL       string
	RequestID         string
}

// OverrideLookup resolves an operator-set secret override by parameter name.
// The lifecycle binds it to the package-scoped override store.
type OverrideLookup func(name string) (string, bool)

// Codec decodes invocation envelopes with a fixed decrypt-key ring.
type Codec struct {
	keys    [][]byte
	environ func(string) string
}

// NewCodec builds a codec over the given key ring. Keys are tried in order
// when opening ciphered material.
func NewCodec(keys [][]byte) *Codec {
	return &Codec{keys: keys, environ: os.Getenv}
}

// ParseKeys decodes the DecryptKeysEnv value. The empty string yields an
// empty ring; anything else must be a JSON array of base64 32-byte keys.
func ParseKeys(raw string) ([][]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var encoded []string
	if err := json.Unmarshal([]byte(raw), &encoded); err != nil {
		return nil, fmt.Errorf("%s must be a JSON array of base64 keys: %w", DecryptKeysEnv, err)
	}
	keys := make([][]byte, 0, len(encoded))
	for i, e := range encoded {
		key, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, fmt.Errorf("decrypt key %d: %w", i, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("decrypt key %d: got %d bytes, want 32", i, len(key))
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// cipherEnvelope is the encrypted context grammar. The same shape wraps
// whole context headers and individual secret values.
type cipherEnvelope struct {
	Cipher    string `json:"cipher"`
	Algorithm string `json:"algorithm"`
	IV        string `json:"iv"`
	AuthTag   string `json:"auth-tag"`
}

// contextPayload is the plain action-context shape. Unknown top-level keys
// are rejected; values pass through untouched.
type contextPayload struct {
	Secrets map[string]string `json:"secrets"`
	OAuth2  map[string]string `json:"oauth2"`
}

// compositeBody is the request body shape under HeaderContextInBody.
type compositeBody struct {
	ActionContext string          `json:"x-action-context"`
	DataContext   json.RawMessage `json:"x-data-context"`
	Body          json.RawMessage `json:"body"`
}

// Decode resolves the context sources for one invocation of act and returns
// the typed envelope plus the action input payload. Secret parameters
// declared by the action resolve in order: envelope value, X-<name> header,
// operator override, process environment; any individual value may itself be
// a cipher envelope.
func (c *Codec) Decode(headers http.Header, body []byte, act *actions.Action, override OverrideLookup) (*Envelope, json.RawMessage, error) {
	env := &Envelope{
		Secrets: map[string]string{},
		OAuth2:  map[string]string{},
	}

	actionCtx := headers.Get(HeaderActionContext)
	input := json.RawMessage(body)

	if raw := headers.Get(HeaderDataContext); raw != "" {
		payload, err := c.openContext(HeaderDataContext, raw)
		if err != nil {
			return nil, nil, err
		}
		if !json.Valid(payload) {
			return nil, nil, fault.New(fault.KindBadEnvelope, "%s payload is not valid JSON", HeaderDataContext)
		}
		env.DataContext = payload
	}

	if headers.Get(HeaderContextInBody) == "1" {
		var composite compositeBody
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&composite); err != nil {
			return nil, nil, fault.Wrap(fault.KindBadEnvelope, err, "composite body")
		}
		if composite.ActionContext != "" {
			actionCtx = composite.ActionContext
		}
		if len(composite.DataContext) > 0 && string(composite.DataContext) != "null" {
			env.DataContext = composite.DataContext
		}
		input = composite.Body
	}

	if actionCtx != "" {
		payload, err := c.openContext(HeaderActionContext, actionCtx)
		if err != nil {
			return nil, nil, err
		}
		var parsed contextPayload
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&parsed); err != nil {
			return nil, nil, fault.Wrap(fault.KindBadEnvelope, err, "action context payload")
		}
		for k, v := range parsed.Secrets {
			env.Secrets[k] = v
		}
		for k, v := range parsed.OAuth2 {
			env.OAuth2[k] = v
		}
	}

	if err := c.resolveDeclaredSecrets(headers, act, override, env); err != nil {
		return nil, nil, err
	}

	if raw := headers.Get(HeaderInvocationContext); raw != "" {
		payload, err := c.openContext(HeaderInvocationContext, raw)
		if err != nil {
			return nil, nil, err
		}
		var m map[string]string
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, nil, fault.Wrap(fault.KindBadEnvelope, err, "invocation context payload")
		}
		env.InvocationContext = m
	}

	if raw := headers.Get(HeaderAsyncTimeout); raw != "" {
		secs, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || secs < 0 {
			return nil, nil, fault.New(fault.KindBadEnvelope, "%s must be a non-negative integer", HeaderAsyncTimeout)
		}
		env.Deferred = true
		env.AsyncTimeout = time.Duration(secs) * time.Second
	}
	if raw := headers.Get(HeaderAsyncCallback); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			return nil, nil, fault.New(fault.KindBadEnvelope, "%s must be an absolute URL", HeaderAsyncCallback)
		}
		env.Deferred = true
		env.CallbackURL = raw
	}
	env.RequestID = headers.Get(HeaderRequestID)

	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		return nil, nil, fault.New(fault.KindBadEnvelope, "input payload is not valid JSON")
	}
	return env, input, nil
}

// resolveDeclaredSecrets fills the envelope maps for every secret and
// oauth2-secret parameter the action declares, then unwraps any value that
// arrived as an individual cipher envelope.
func (c *Codec) resolveDeclaredSecrets(headers http.Header, act *actions.Action, override OverrideLookup, env *Envelope) error {
	for name, kind := range act.ManagedParams {
		var values map[string]string
		switch kind {
		case actions.ManagedSecret:
			values = env.Secrets
		case actions.ManagedOAuth2Secret:
			values = env.OAuth2
		default:
			continue
		}
		if _, ok := values[name]; !ok {
			raw, ok := c.lookupFallback(headers, name, override)
			if !ok {
				continue
			}
			values[name] = raw
		}
		plain, err := c.maybeDecryptValue(name, values[name])
		if err != nil {
			return err
		}
		values[name] = plain
	}
	return nil
}

// lookupFallback resolves a declared secret the envelope did not carry:
// X-<name with _ as -> header, operator override, process env <NAME_UPPER>.
func (c *Codec) lookupFallback(headers http.Header, name string, override OverrideLookup) (string, bool) {
	header := "x-" + strings.ReplaceAll(name, "_", "-")
	if v := headers.Get(header); v != "" {
		return v, true
	}
	if override != nil {
		if v, ok := override(name); ok {
			return v, true
		}
	}
	if v := c.environ(strings.ToUpper(name)); v != "" {
		return v, true
	}
	return "", false
}

// openContext base64-decodes a context value and, when the decoded bytes
// form a cipher envelope, decrypts them. Returns the inner payload.
func (c *Codec) openContext(field, raw string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fault.Wrap(fault.KindBadEnvelope, err, "%s is not base64", field)
	}
	var probe cipherEnvelope
	if err := json.Unmarshal(decoded, &probe); err == nil && probe.Algorithm == algorithmGCM && probe.Cipher != "" {
		return c.decrypt(field, probe)
	}
	return decoded, nil
}

// maybeDecryptValue unwraps an individual secret value carried as a cipher
// envelope. Plain values pass through; a well-formed cipher envelope no key
// opens fails the request rather than forwarding ciphertext.
func (c *Codec) maybeDecryptValue(name, value string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return value, nil
	}
	var probe cipherEnvelope
	if err := json.Unmarshal(decoded, &probe); err != nil || probe.Algorithm != algorithmGCM || probe.Cipher == "" {
		return value, nil
	}
	plain, err := c.decrypt("secret parameter "+name, probe)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// decrypt opens env with each ring key in order. The wire carries ciphertext
// and GCM tag separately; Open wants them concatenated.
func (c *Codec) decrypt(field string, env cipherEnvelope) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(env.Cipher)
	if err != nil {
		return nil, fault.Wrap(fault.KindBadEnvelope, err, "%s cipher is not base64", field)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fault.Wrap(fault.KindBadEnvelope, err, "%s iv is not base64", field)
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return nil, fault.Wrap(fault.KindBadEnvelope, err, "%s auth tag is not base64", field)
	}
	if len(iv) == 0 {
		return nil, fault.New(fault.KindBadEnvelope, "%s iv is empty", field)
	}
	if len(c.keys) == 0 {
		return nil, fault.New(fault.KindDecryptFailed, "%s is encrypted but no decrypt keys are configured", field)
	}

	sealed := append(append([]byte{}, ct...), tag...)
	for _, key := range c.keys {
		block, err := aes.NewCipher(key)
		if err != nil {
			continue
		}
		gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
		if err != nil {
			continue
		}
		if plain, err := gcm.Open(nil, iv, sealed, nil); err == nil {
			return plain, nil
		}
	}
	return nil, fault.New(fault.KindDecryptFailed, "no configured key decrypts %s", field)
}
