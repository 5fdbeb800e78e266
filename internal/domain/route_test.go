package domain

import "testing"

func TestMatchHost(t *testing.T) {
	tests := []struct {
		host    string
		pattern string
		want    bool
	}{
		{"jellyfin.home.lan", "jellyfin.home.lan", true},
		{"Jellyfin.Home.Lan", "jellyfin.home.lan", true},
		{"jellyfin.home.lan:8443", "jellyfin.home.lan", true},
		{"sub.apps.home.lan", "*.apps.home.lan", true},
		{"apps.home.lan", "*.apps.home.lan", false},
		{"evil-apps.home.lan", "*.apps.home.lan", false},
		{"other.home.lan", "jellyfin.home.lan", false},
	}

	for _, tt := range tests {
		t.Run(tt.host+"~"+tt.pattern, func(t *testing.T) {
			if got := MatchHost(tt.host, tt.pattern); got != tt.want {
				t.Errorf("MatchHost(%q, %q) = %v, want %v", tt.host, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestRouteKeyNormalizeAndMatch(t *testing.T) {
	k := RouteKey{Host: "Wiki.Home.Lan:443", PathPrefix: "docs/"}.Normalize()
	if k.Host != "wiki.home.lan" || k.PathPrefix != "/docs" {
		t.Fatalf("Normalize() = %+v", k)
	}

	tests := []struct {
		path string
		want bool
	}{
		{"/docs", true},
		{"/docs/intro", true},
		{"/docsearch", false},
		{"/", false},
	}
	for _, tt := range tests {
		if got := k.Matches("wiki.home.lan", tt.path); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	root := RouteKey{Host: "wiki.home.lan", PathPrefix: "/"}.Normalize()
	if root.PathPrefix != "" || !root.Matches("wiki.home.lan", "/anything") {
		t.Errorf("root prefix should match every path, got %+v", root)
	}
}

func TestRouteKeySpecificity(t *testing.T) {
	exact := RouteKey{Host: "a.home.lan"}
	wildcard := RouteKey{Host: "*.home.lan", PathPrefix: "/very/long/prefix"}
	longer := RouteKey{Host: "a.home.lan", PathPrefix: "/api"}

	if exact.Specificity() <= wildcard.Specificity() {
		t.Error("exact host should beat wildcard host")
	}
	if longer.Specificity() <= exact.Specificity() {
		t.Error("longer prefix should beat shorter prefix")
	}
}

func TestRouteTableEqualAndClone(t *testing.T) {
	a := RouteTable{
		{Host: "a.home.lan"}: {ServiceID: "a", Target: "http://10.0.0.1:80"},
	}
	b := a.Clone()
	if !a.Equal(b) {
		t.Fatal("clone should be equal")
	}
	b[RouteKey{Host: "a.home.lan"}] = RouteEntry{ServiceID: "a", Target: "http://10.0.0.2:80"}
	if a.Equal(b) {
		t.Error("modified clone should differ")
	}
	if a[RouteKey{Host: "a.home.lan"}].Target != "http://10.0.0.1:80" {
		t.Error("clone must not alias the original")
	}
}
