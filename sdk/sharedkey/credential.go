package sharedkey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
)

// Credential is an account name and its decoded key. It is immutable and
// safe for concurrent use.
type Credential struct {
	account string
	key     []byte
}

// NewCredential decodes the base64 account key. It fails with a
// *corehttp.AuthenticationError when the account name is empty or the key is
// not valid base64.
func NewCredential(account, key string) (*Credential, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, &corehttp.AuthenticationError{Reason: "account name is empty"}
	}
	if key == "" {
		return nil, &corehttp.AuthenticationError{Reason: "account key is empty"}
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, &corehttp.AuthenticationError{Reason: "account key is not valid base64", Err: err}
	}
	return &Credential{account: account, key: decoded}, nil
}

// AccountName returns the account the credential signs for.
func (c *Credential) AccountName() string { return c.account }

// ComputeSignature returns the base64 HMAC-SHA256 of stringToSign.
func (c *Credential) ComputeSignature(stringToSign string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
