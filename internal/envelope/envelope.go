package envelope

import (
	"crypto/rsa"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/maolilup/TiShiNengRunning/internal/config"
	"github.com/maolilup/TiShiNengRunning/internal/util"
	"github.com/pkg/errors"
)

// EncParams 加密后的请求信封 {key, param}
// key 为RSA包裹的会话密钥，param 为该密钥加密的规范化参数JSON。
type EncParams struct {
	Key   string
	Param string
}

// signingState couples the token with the cipher derived from it. The pair is
// replaced as a single unit on token refresh; a stale iv next to a fresh key
// would produce signatures the server cannot reproduce.
type signingState struct {
	token  string
	cipher *CBCCipher
}

// Envelope implements the request signing protocol: canonicalization,
// per-call session keys, payload encryption, RSA key wrapping and the request
// signature. Pure computation, no I/O.
type Envelope struct {
	vendor config.Vendor
	rsaPub *rsa.PublicKey

	mu      sync.RWMutex
	signing *signingState
}

// New creates an Envelope for the given vendor constants and authorization
// token.
func New(vendor config.Vendor, token string) (*Envelope, error) {
	rsaPub, err := ParseRSAPublicKey(vendor.RSAPublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse vendor rsa key")
	}

	e := &Envelope{vendor: vendor, rsaPub: rsaPub}
	if err := e.SetToken(token); err != nil {
		return nil, err
	}
	return e, nil
}

// SetToken replaces the authorization token and the long-lived signing cipher
// derived from it as one atomic unit.
func (e *Envelope) SetToken(token string) error {
	digest := MD5Hex(token)
	cipher, err := NewCBCCipher(digest[0:16], digest[16:32])
	if err != nil {
		return errors.Wrap(err, "failed to derive signing cipher")
	}

	e.mu.Lock()
	e.signing = &signingState{token: token, cipher: cipher}
	e.mu.Unlock()
	return nil
}

// Token returns the current authorization token.
func (e *Envelope) Token() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signing.token
}

func (e *Envelope) state() *signingState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signing
}

// EphemeralCipher derives the per-call session cipher for a timestamp:
// md5hex(token+timestamp)[0:16] as key, ECB mode. Reproducible from the same
// inputs; never reused across differing timestamps.
func (e *Envelope) EphemeralCipher(timestamp string) (*ECBCipher, string, error) {
	key := MD5Hex(e.Token() + timestamp)[0:16]
	cipher, err := NewECBCipher(key)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to derive ephemeral cipher")
	}
	return cipher, key, nil
}

// EncParams builds the protected call envelope for the given timestamp:
// params are stamped with the encrypted signature fingerprint, canonicalized,
// encrypted with the ephemeral cipher, and the key is RSA wrapped. When
// encoded is false the reserved '+' is substituted with a space, otherwise
// both fields are percent-encoded.
func (e *Envelope) EncParams(params map[string]any, timestamp string, encoded bool) (EncParams, error) {
	cipher, key, err := e.EphemeralCipher(timestamp)
	if err != nil {
		return EncParams{}, err
	}

	enc, err := e.sealParams(cipher, params)
	if err != nil {
		return EncParams{}, err
	}

	wrapped, err := wrapKey(e.rsaPub, []byte(key))
	if err != nil {
		return EncParams{}, err
	}

	if encoded {
		return EncParams{
			Key:   url.QueryEscape(wrapped),
			Param: url.QueryEscape(enc),
		}, nil
	}
	return EncParams{
		Key:   strings.ReplaceAll(wrapped, "+", " "),
		Param: strings.ReplaceAll(enc, "+", " "),
	}, nil
}

// FaceEncParams builds the multipart upload envelope. Same layering as
// EncParams but both fields stay raw base64; the multipart body carries them
// without transport substitution.
func (e *Envelope) FaceEncParams(params map[string]any, timestamp string) (EncParams, error) {
	cipher, key, err := e.EphemeralCipher(timestamp)
	if err != nil {
		return EncParams{}, err
	}

	enc, err := e.sealParams(cipher, params)
	if err != nil {
		return EncParams{}, err
	}

	wrapped, err := wrapKey(e.rsaPub, []byte(key))
	if err != nil {
		return EncParams{}, err
	}

	return EncParams{Key: wrapped, Param: enc}, nil
}

func (e *Envelope) sealParams(cipher *ECBCipher, params map[string]any) (string, error) {
	v, err := cipher.Encrypt(e.vendor.AppSignHash)
	if err != nil {
		return "", errors.Wrap(err, "failed to encrypt sign fingerprint")
	}

	sealed := make(map[string]any, len(params)+1)
	for k, val := range params {
		sealed[k] = val
	}
	sealed["v"] = v

	canonical, err := Canonicalize(sealed)
	if err != nil {
		return "", err
	}

	enc, err := cipher.Encrypt(string(canonical))
	if err != nil {
		return "", errors.Wrap(err, "failed to encrypt params")
	}
	return enc, nil
}

// Sign computes the request signature header for the given params and
// timestamp. Deterministic in (params, timestamp, token); any single change
// to one of them changes the output.
func (e *Envelope) Sign(params map[string]any, timestamp string) (string, error) {
	return e.sign(params, timestamp, false)
}

// SignMultipart is the file upload signature variant: every value is first
// normalized by mapping '+' to a space, and the joined string is not
// percent-decoded before encryption.
func (e *Envelope) SignMultipart(params map[string]any, timestamp string) (string, error) {
	return e.sign(params, timestamp, true)
}

func (e *Envelope) sign(params map[string]any, timestamp string, multipart bool) (string, error) {
	state := e.state()

	augmented := make(map[string]string, len(params)+2)
	for k, v := range params {
		val := util.Stringify(v)
		if multipart {
			val = strings.ReplaceAll(val, "+", " ")
		}
		augmented[k] = val
	}

	appID, err := e.derivedAppID(state, timestamp)
	if err != nil {
		return "", err
	}
	appSecret, err := e.derivedAppSecret(state, timestamp)
	if err != nil {
		return "", err
	}
	augmented["appId"] = appID
	augmented["appSecret"] = appSecret

	keys := make([]string, 0, len(augmented))
	for k := range augmented {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+augmented[k])
	}
	joined := strings.Join(pairs, "&")

	if !multipart {
		// The app percent-decodes leniently; malformed escapes pass through.
		if decoded, err := url.PathUnescape(joined); err == nil {
			joined = decoded
		}
	}

	enc, err := state.cipher.Encrypt(joined)
	if err != nil {
		return "", errors.Wrap(err, "failed to encrypt sign payload")
	}
	return MD5Hex(enc), nil
}

// derivedAppID binds the vendor app id to the token and timestamp.
func (e *Envelope) derivedAppID(state *signingState, timestamp string) (string, error) {
	enc, err := state.cipher.Encrypt(e.vendor.AppID + state.token + timestamp)
	if err != nil {
		return "", errors.Wrap(err, "failed to derive appId")
	}
	return MD5Hex(enc), nil
}

// derivedAppSecret binds the token alone to the timestamp.
func (e *Envelope) derivedAppSecret(state *signingState, timestamp string) (string, error) {
	enc, err := state.cipher.Encrypt(state.token + timestamp)
	if err != nil {
		return "", errors.Wrap(err, "failed to derive appSecret")
	}
	return MD5Hex(enc), nil
}
