package protocol

import "testing"

func TestSiteID(t *testing.T) {
	pr := 42
	tests := []struct {
		org, repo string
		pr        *int
		want      string
	}{
		{"nullisLabs", "website", &pr, "nullislabs-website-pr-42"},
		{"nullisLabs", "website", nil, "nullislabs-website-main"},
		{"ACME", "My-Site", nil, "acme-my-site-main"},
	}
	for _, tt := range tests {
		if got := SiteID(tt.org, tt.repo, tt.pr); got != tt.want {
			t.Errorf("SiteID(%q, %q) = %q, want %q", tt.org, tt.repo, got, tt.want)
		}
	}
}

func TestBuildJobSiteID(t *testing.T) {
	pr := 7
	job := &BuildJob{OrgName: "Org", RepoName: "Repo", PRNumber: &pr}
	if got := job.SiteID(); got != "org-repo-pr-7" {
		t.Errorf("SiteID() = %q, want %q", got, "org-repo-pr-7")
	}
}

func TestSiteTypeDefaults(t *testing.T) {
	tests := []struct {
		siteType SiteType
		command  string
		output   string
		ok       bool
	}{
		{SiteSvelteKit, "npm ci && npm run build", "build", true},
		{SiteVite, "npm ci && npm run build", "dist", true},
		{SiteZola, "zola build", "public", true},
		{SiteCustom, "", "", false},
		{SiteAuto, "", "", false},
	}
	for _, tt := range tests {
		command, output, ok := tt.siteType.Defaults()
		if command != tt.command || output != tt.output || ok != tt.ok {
			t.Errorf("%s.Defaults() = (%q, %q, %v), want (%q, %q, %v)",
				tt.siteType, command, output, ok, tt.command, tt.output, tt.ok)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []JobStatus{StatusSuccess, StatusFailed, StatusCleaned} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{StatusPending, StatusBuilding} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPreviewURL(t *testing.T) {
	if got := PreviewURL("pr-42-website.nxm.rs"); got != "https://pr-42-website.nxm.rs" {
		t.Errorf("PreviewURL = %q", got)
	}
}
