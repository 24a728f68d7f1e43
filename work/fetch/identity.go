package fetch

import (
	"net/http"
	"net/url"
)

// Identity is a preset of request headers presented to upstream origins.
// Many IPTV providers allowlist known set-top-box apps and block generic
// traffic, so the proxy carries two identities and can switch between them.
type Identity struct {
	Name      string // identity name for logging and metrics
	UserAgent string
	AppID     string // Android package name sent as X-Requested-With; empty for browsers
}

// DeviceIdentity returns the set-top-box app identity.
func DeviceIdentity(userAgent, appID string) Identity {
	return Identity{Name: "device", UserAgent: userAgent, AppID: appID}
}

// BrowserIdentity returns the desktop-browser fallback identity.
func BrowserIdentity(userAgent string) Identity {
	return Identity{Name: "browser", UserAgent: userAgent}
}

// apply sets the identity's headers on an upstream request. Origin and
// Referer always point at the upstream's own origin, and an inbound Range
// header is forwarded verbatim so seeking keeps working through the proxy.
func (id Identity) apply(req *http.Request, upstream *url.URL, rangeHeader string) {
	origin := upstream.Scheme + "://" + upstream.Host

	req.Header.Set("User-Agent", id.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Origin", origin)
	req.Header.Set("Referer", origin+"/")

	if id.AppID != "" {
		req.Header.Set("X-Requested-With", id.AppID)
	}

	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
}
