// Package feed maintains the persistent spread-feed connection and fans
// decoded quote rows out to subscribers.
package feed

import (
	"net/url"
	"strings"

	"github.com/coachpo/spreadfeed/errs"
)

// BuildFeedURL derives the dial endpoint from the configured base URL.
// The feed endpoint does not terminate TLS, so wss is rewritten to ws.
// Token and network ride as query parameters and are omitted when empty.
func BuildFeedURL(base, token, network string) (string, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return "", errs.New("feed/url", errs.CodeInvalid, errs.WithMessage("feed base URL required"))
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", errs.New("feed/url", errs.CodeInvalid, errs.WithMessage("feed base URL unparseable"), errs.WithCause(err))
	}
	switch parsed.Scheme {
	case "ws":
	case "wss":
		parsed.Scheme = "ws"
	default:
		return "", errs.New("feed/url", errs.CodeInvalid,
			errs.WithMessage("feed base URL must use ws or wss scheme"),
			errs.WithField("scheme", parsed.Scheme))
	}
	if parsed.Host == "" {
		return "", errs.New("feed/url", errs.CodeInvalid, errs.WithMessage("feed base URL missing host"))
	}

	params := parsed.Query()
	if t := strings.TrimSpace(token); t != "" {
		params.Set("token", t)
	}
	if n := strings.TrimSpace(network); n != "" {
		params.Set("network", n)
	}
	parsed.RawQuery = params.Encode()
	return parsed.String(), nil
}
