package identity_test

import (
	"testing"

	"clipforge/internal/identity"
)

func TestRotatorMintsFreshSessions(t *testing.T) {
	rotator := identity.NewRotator([]identity.Route{{Name: "direct"}})
	route := rotator.Routes()[0]
	profile := identity.ProfileByName("web")

	first := rotator.New(route, profile)
	second := rotator.New(route, profile)
	if first.SessionID == "" || second.SessionID == "" {
		t.Fatal("expected non-empty session ids")
	}
	if first.SessionID == second.SessionID {
		t.Fatal("session ids must never repeat across identities")
	}
	if first.Route.Name != "direct" || first.Profile.Name != "web" {
		t.Fatalf("unexpected identity: %+v", first)
	}
}

func TestRotatorDefaultsToDirectRoute(t *testing.T) {
	rotator := identity.NewRotator(nil)
	routes := rotator.Routes()
	if len(routes) != 1 || routes[0].Name != "direct" || routes[0].ProxyURL != "" {
		t.Fatalf("unexpected default routes: %+v", routes)
	}
}

func TestProfileByNameFallsBack(t *testing.T) {
	if got := identity.ProfileByName("android"); got.Client != "android" {
		t.Fatalf("unexpected android profile: %+v", got)
	}
	fallback := identity.ProfileByName("does-not-exist")
	if fallback.Name != identity.Profiles()[0].Name {
		t.Fatalf("unknown profile should fall back to first, got %+v", fallback)
	}
}

func TestIdentityString(t *testing.T) {
	id := identity.Identity{
		Route:     identity.Route{Name: "proxy-a"},
		SessionID: "0123456789abcdef",
		Profile:   identity.ProfileByName("ios"),
	}
	if got := id.String(); got != "proxy-a/ios/01234567" {
		t.Fatalf("String() = %q", got)
	}
	direct := identity.Identity{SessionID: "abc", Profile: identity.ProfileByName("web")}
	if got := direct.String(); got != "direct/web/abc" {
		t.Fatalf("String() = %q", got)
	}
}
