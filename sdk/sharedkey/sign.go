package sharedkey

import (
	"net/url"
	"sort"
	"strings"

	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
)

// signedHeaders are written one value per line, in this order, before the
// x-ms-* headers.
var signedHeaders = [...]string{
	"Content-Encoding",
	"Content-Language",
	"Content-Length",
	"Content-MD5",
	"Content-Type",
	"Date",
	"If-Modified-Since",
	"If-Match",
	"If-None-Match",
	"If-Unmodified-Since",
	"Range",
}

type pair struct {
	name, value string
}

func sortPairs(pairs []pair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].name != pairs[j].name {
			return pairs[i].name < pairs[j].name
		}
		return pairs[i].value < pairs[j].value
	})
}

// StringToSign returns the canonical string signed for req on behalf of
// account.
func StringToSign(req *corehttp.Request, account string) string {
	var b strings.Builder
	b.WriteString(req.Method())
	b.WriteByte('\n')

	for _, name := range signedHeaders {
		value := req.Header.Get(name)
		if name == "Content-Length" && value == "0" {
			value = ""
		}
		b.WriteString(value)
		b.WriteByte('\n')
	}

	var canonical []pair
	req.Header.Range(func(name, value string) bool {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-ms-") {
			canonical = append(canonical, pair{lower, value})
		}
		return true
	})
	sortPairs(canonical)
	for _, p := range canonical {
		b.WriteString(p.name)
		b.WriteByte(':')
		b.WriteString(p.value)
		b.WriteByte('\n')
	}

	u := req.URL()
	b.WriteByte('/')
	b.WriteString(account)
	b.WriteByte('/')
	b.WriteString(strings.TrimPrefix(u.EscapedPath(), "/"))
	b.WriteByte('\n')

	for _, p := range queryPairs(u.RawQuery) {
		b.WriteString(p.name)
		b.WriteByte(':')
		b.WriteString(p.value)
		b.WriteByte('\n')
	}

	s := b.String()
	return s[:len(s)-1]
}

// queryPairs splits a raw query into (name, value) pairs with the name
// lower-cased before both are decoded. Undecodable text is kept as is.
func queryPairs(rawQuery string) []pair {
	var pairs []pair
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		pairs = append(pairs, pair{unescape(strings.ToLower(name)), unescape(value)})
	}
	sortPairs(pairs)
	return pairs
}

func unescape(s string) string {
	if d, err := url.QueryUnescape(s); err == nil {
		return d
	}
	return s
}

// Sign returns the signature of req.
func (c *Credential) Sign(req *corehttp.Request) string {
	return c.ComputeSignature(StringToSign(req, c.account))
}
