// Package sigauth authenticates API callers by their wallet signature.
//
// A caller signs the EIP-191 personal message
//
//	<unix timestamp>\n<METHOD>\n<request uri>\n<body>
//
// and sends the hex signature and timestamp in headers. The recovered
// signer address becomes the caller identity for the request.
package sigauth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
	// HeaderAddress optionally names the expected signer.
	HeaderAddress = "X-Request-Address"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrBodyTooLarge     = errors.New("request body too large")
)

// DefaultMaxBodyBytes bounds the body read for signature checks.
const DefaultMaxBodyBytes = 1 << 20

type ctxKey struct{}

// CallerFromContext returns the authenticated caller set by the middleware.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(ctxKey{}).(common.Address)
	return addr, ok
}

// WithCaller stores addr as the authenticated caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, ctxKey{}, addr)
}

type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
	// MaxBodyBytes caps the signed body. Defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// OnError writes the rejection. Defaults to a plain 401, or 413 for an
	// oversized body.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(w, r)
		if err != nil {
			if v.OnError != nil {
				v.OnError(w, r, err)
				return
			}
			status := http.StatusUnauthorized
			if errors.Is(err, ErrBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			http.Error(w, err.Error(), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (v *Verifier) verify(w http.ResponseWriter, r *http.Request) (common.Address, error) {
	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return common.Address{}, ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return common.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	limit := v.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := readBody(w, r, limit)
	if err != nil {
		return common.Address{}, err
	}

	signer, err := Recover(Message(ts, r.Method, r.URL.RequestURI(), body), sig)
	if err != nil {
		return common.Address{}, err
	}
	if claimed := r.Header.Get(HeaderAddress); claimed != "" {
		if !common.IsHexAddress(claimed) || common.HexToAddress(claimed) != signer {
			return common.Address{}, ErrInvalidSignature
		}
	}
	return signer, nil
}

// Message builds the signed payload for a request.
func Message(ts int64, method, uri string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.FormatInt(ts, 10))
	buf.WriteByte('\n')
	buf.WriteString(method)
	buf.WriteByte('\n')
	buf.WriteString(uri)
	buf.WriteByte('\n')
	buf.Write(body)
	return buf.Bytes()
}

// Sign produces the header value a wallet would send for msg.
func Sign(key *ecdsa.PrivateKey, msg []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Recover returns the address that signed msg. Both 0/1 and 27/28
// recovery ids are accepted.
func Recover(msg []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrBodyTooLarge
		}
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
