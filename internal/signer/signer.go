// Package signer implements the EcoFlow keyed-hash request signing scheme.
//
// Every REST call carries four headers: accessKey, nonce, timestamp and
// sign. The sign value is an HMAC-SHA256 over the canonicalized query
// parameters followed by the access key, nonce and timestamp, keyed with
// the account secret. Parameter order matters: the server verifies the
// signature over the exact string the client built, so Params preserves
// insertion order instead of sorting.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// Credentials holds the EcoFlow developer access key pair.
type Credentials struct {
	AccessKey string
	Secret    string
}

// Params is an insertion-ordered list of query parameters. A plain Go map
// would randomize iteration order and break signature verification.
type Params struct {
	pairs []pair
}

type pair struct {
	key   string
	value string
}

// Add appends a parameter. Callers must add parameters in the order the
// server expects them.
func (p *Params) Add(key, value string) *Params {
	p.pairs = append(p.pairs, pair{key: key, value: value})
	return p
}

// Len returns the number of parameters.
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.pairs)
}

// Encode renders the parameters as "k1=v1&k2=v2" in insertion order.
// Values are not URL-escaped: the vendor signs over raw values.
func (p *Params) Encode() string {
	if p == nil || len(p.pairs) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, kv := range p.pairs {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(kv.key)
		sb.WriteByte('=')
		sb.WriteString(kv.value)
	}
	return sb.String()
}

// Nonce returns a random 5-7 digit nonce. Regenerated for every request so
// a captured signature cannot be replayed against a later call.
func Nonce() string {
	return strconv.Itoa(rand.IntN(990000) + 10000)
}

// Timestamp returns the current epoch time in milliseconds.
func Timestamp() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// Sign computes the hex-encoded HMAC-SHA256 signature over the canonical
// string for the given inputs. Deterministic: identical inputs always
// produce an identical signature.
func Sign(params *Params, creds Credentials, nonce, timestamp string) string {
	target := "accessKey=" + creds.AccessKey + "&nonce=" + nonce + "&timestamp=" + timestamp
	if qs := params.Encode(); qs != "" {
		target = qs + "&" + target
	}
	mac := hmac.New(sha256.New, []byte(creds.Secret))
	mac.Write([]byte(target))
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers builds the full signed header set for one request, generating a
// fresh nonce and timestamp.
func Headers(params *Params, creds Credentials) map[string]string {
	nonce := Nonce()
	timestamp := Timestamp()
	return map[string]string{
		"accessKey": creds.AccessKey,
		"nonce":     nonce,
		"timestamp": timestamp,
		"sign":      Sign(params, creds, nonce, timestamp),
	}
}
