package sharedkey

import (
	"context"
	"net/http"
	"time"

	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
)

// NewPolicy returns a per-attempt policy that stamps x-ms-date (unless the
// request already carries Date or x-ms-date) and sets the Authorization
// header. It belongs among the per-retry policies so each attempt is signed
// with a fresh date.
func NewPolicy(cred *Credential) corehttp.Policy {
	return &policy{cred: cred, now: time.Now}
}

type policy struct {
	cred *Credential
	now  func() time.Time
}

func (p *policy) Do(ctx context.Context, req *corehttp.Request, next corehttp.Next) (*corehttp.Response, error) {
	if p.cred == nil {
		return nil, &corehttp.AuthenticationError{Reason: "no credential"}
	}
	_, hasDate := req.Header.Lookup("Date")
	_, hasMsDate := req.Header.Lookup("x-ms-date")
	if !hasDate && !hasMsDate {
		req.Header.Set("x-ms-date", p.now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Authorization", "SharedKey "+p.cred.account+":"+p.cred.Sign(req))
	return next(ctx, req)
}
