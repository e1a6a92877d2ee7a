package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Route is one egress path toward the remote provider. An empty ProxyURL
// means direct egress.
type Route struct {
	Name     string
	ProxyURL string
}

// Profile is a named protocol-level fingerprint: the user agent and access
// client variant presented during the handshake.
type Profile struct {
	Name      string
	UserAgent string
	// Client is the provider access-client variant passed to the retrieval
	// tool (e.g. a player client name).
	Client string
}

// Profiles returns every known fingerprint profile in rotation order.
func Profiles() []Profile {
	cp := make([]Profile, len(allProfiles))
	copy(cp, allProfiles)
	return cp
}

// ProfileByName looks up a profile; falls back to the first profile when the
// name is unknown.
func ProfileByName(name string) Profile {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, profile := range allProfiles {
		if profile.Name == name {
			return profile
		}
	}
	return allProfiles[0]
}

var allProfiles = []Profile{
	{
		Name:      "web",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Client:    "web",
	},
	{
		Name:      "android",
		UserAgent: "com.google.android.youtube/19.09.37 (Linux; U; Android 14) gzip",
		Client:    "android",
	},
	{
		Name:      "ios",
		UserAgent: "com.google.ios.youtube/19.09.3 (iPhone16,2; U; CPU iOS 17_4 like Mac OS X)",
		Client:    "ios",
	},
	{
		Name:      "tv",
		UserAgent: "Mozilla/5.0 (ChromiumStylePlatform) Cobalt/Version",
		Client:    "tv_embedded",
	},
	{
		Name:      "web_safari",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		Client:    "web_safari",
	},
}

// Identity is the full network presentation for one logical session: the
// egress route, a session token, and a fingerprint profile. The session ID
// stays constant across attempts that belong to one apparent client; issuing
// a new Identity signals "new client" to the provider.
type Identity struct {
	Route     Route
	SessionID string
	Profile   Profile
}

// String renders a compact label for logs.
func (id Identity) String() string {
	route := id.Route.Name
	if route == "" {
		route = "direct"
	}
	return fmt.Sprintf("%s/%s/%s", route, id.Profile.Name, shortSession(id.SessionID))
}

func shortSession(session string) string {
	if len(session) <= 8 {
		return session
	}
	return session[:8]
}

// Rotator mints identities. It is stateless: every call returns a fresh
// session token, never a reused one.
type Rotator struct {
	routes []Route
}

// NewRotator builds a rotator over the configured routes in priority order.
// When no routes are configured a single direct route is assumed.
func NewRotator(routes []Route) *Rotator {
	if len(routes) == 0 {
		routes = []Route{{Name: "direct"}}
	}
	cp := make([]Route, len(routes))
	copy(cp, routes)
	return &Rotator{routes: cp}
}

// Routes returns the configured egress routes in priority order.
func (r *Rotator) Routes() []Route {
	cp := make([]Route, len(r.routes))
	copy(cp, r.routes)
	return cp
}

// New mints a fresh identity on the given route with the given profile.
func (r *Rotator) New(route Route, profile Profile) Identity {
	return Identity{
		Route:     route,
		SessionID: uuid.NewString(),
		Profile:   profile,
	}
}
