package storage

import "testing"

func TestCanUseZone(t *testing.T) {
	org := &AuthorizedOrg{Zones: []string{"nxm", "Hel1"}}

	tests := []struct {
		zone string
		want bool
	}{
		{"nxm", true},
		{"NXM", true},
		{"hel1", true},
		{"fsn1", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := org.CanUseZone(tt.zone); got != tt.want {
			t.Errorf("CanUseZone(%q) = %v, want %v", tt.zone, got, tt.want)
		}
	}
}

func TestCanUseDomain(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		hostname string
		want     bool
	}{
		{"exact match", []string{"example.com"}, "example.com", true},
		{"exact mismatch", []string{"example.com"}, "other.com", false},
		{"exact case-insensitive", []string{"Example.COM"}, "example.com", true},
		{"wildcard subdomain", []string{"*.nxm.rs"}, "pr-42-website.nxm.rs", true},
		{"wildcard deep subdomain", []string{"*.nxm.rs"}, "a.b.nxm.rs", true},
		{"wildcard apex", []string{"*.nxm.rs"}, "nxm.rs", true},
		{"wildcard apex case", []string{"*.nxm.rs"}, "NXM.RS", true},
		{"wildcard wrong suffix", []string{"*.nxm.rs"}, "nxm.rs.evil.com", false},
		{"wildcard missing dot", []string{"*.x"}, "notx", false},
		{"wildcard single label", []string{"*.x"}, "a.x", true},
		{"no patterns", nil, "example.com", false},
		{"second pattern matches", []string{"a.com", "*.b.com"}, "www.b.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			org := &AuthorizedOrg{DomainPatterns: tt.patterns}
			if got := org.CanUseDomain(tt.hostname); got != tt.want {
				t.Errorf("CanUseDomain(%v, %q) = %v, want %v", tt.patterns, tt.hostname, got, tt.want)
			}
		})
	}
}
