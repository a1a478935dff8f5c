package central

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nullisLabs/catapult/internal/protocol"
)

// deployConfigPath is the per-repo config file; the org-wide base lives
// at the same path in the org's .github repository.
const deployConfigPath = ".deploy.json"

// DeployConfig is the merged deployment configuration for a repository.
// Org-level defaults come from {org}/.github/.deploy.json; the repo's own
// .deploy.json overrides field by field.
type DeployConfig struct {
	Zone          string `json:"zone"`
	DomainPattern string `json:"domain_pattern"`
	PRPattern     string `json:"pr_pattern"`
	Domain        string `json:"domain"`
	Subdomain     string `json:"subdomain"`
	BuildType     string `json:"build_type"`
	BuildCommand  string `json:"build_command"`
	OutputDir     string `json:"output_dir"`
	Enabled       *bool  `json:"enabled"`
}

// ParseDeployConfig decodes a .deploy.json payload.
func ParseDeployConfig(data []byte) (*DeployConfig, error) {
	var cfg DeployConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse deploy config: %w", err)
	}
	return &cfg, nil
}

// Merge overlays the repo config onto the org config. Repo fields win
// when set; enabled takes the repo's explicit value even when false.
func (c *DeployConfig) Merge(repo *DeployConfig) *DeployConfig {
	if c == nil {
		return repo
	}
	if repo == nil {
		return c
	}
	merged := *c
	if repo.Zone != "" {
		merged.Zone = repo.Zone
	}
	if repo.DomainPattern != "" {
		merged.DomainPattern = repo.DomainPattern
	}
	if repo.PRPattern != "" {
		merged.PRPattern = repo.PRPattern
	}
	if repo.Domain != "" {
		merged.Domain = repo.Domain
	}
	if repo.Subdomain != "" {
		merged.Subdomain = repo.Subdomain
	}
	if repo.BuildType != "" {
		merged.BuildType = repo.BuildType
	}
	if repo.BuildCommand != "" {
		merged.BuildCommand = repo.BuildCommand
	}
	if repo.OutputDir != "" {
		merged.OutputDir = repo.OutputDir
	}
	if repo.Enabled != nil {
		merged.Enabled = repo.Enabled
	}
	return &merged
}

// IsEnabled defaults to true when the field is absent.
func (c *DeployConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Deployable reports whether the config is complete enough to deploy.
func (c *DeployConfig) Deployable() bool {
	return c.IsEnabled() && c.Zone != ""
}

// SiteType maps build_type to a protocol site type, defaulting to auto.
func (c *DeployConfig) SiteType() protocol.SiteType {
	switch c.BuildType {
	case "sveltekit":
		return protocol.SiteSvelteKit
	case "vite":
		return protocol.SiteVite
	case "zola":
		return protocol.SiteZola
	case "custom":
		return protocol.SiteCustom
	}
	return protocol.SiteAuto
}

// MainDomain resolves the production hostname for a repo. An explicit
// domain wins, optionally prefixed by subdomain; otherwise the
// domain_pattern is expanded with the lowercased repo name. Subdomain is
// ignored with patterns.
func (c *DeployConfig) MainDomain(repo string) string {
	if c.Domain != "" {
		if c.Subdomain != "" {
			return c.Subdomain + "." + c.Domain
		}
		return c.Domain
	}
	if c.DomainPattern != "" {
		return strings.ReplaceAll(c.DomainPattern, "{repo}", strings.ToLower(repo))
	}
	return ""
}

// PRDomain resolves the preview hostname for a pull request. An explicit
// pr_pattern wins; otherwise the preview lives under the main hostname.
func (c *DeployConfig) PRDomain(repo string, prNumber int) string {
	if c.PRPattern != "" {
		expanded := strings.ReplaceAll(c.PRPattern, "{repo}", strings.ToLower(repo))
		return strings.ReplaceAll(expanded, "{pr}", fmt.Sprintf("%d", prNumber))
	}
	main := c.MainDomain(repo)
	if main == "" {
		return ""
	}
	return fmt.Sprintf("pr-%d-%s.%s", prNumber, strings.ToLower(repo), main)
}

// contentsFetcher is the slice of the GitHub client the resolver needs.
type contentsFetcher interface {
	GetFileContents(ctx context.Context, token, org, repo, path string) ([]byte, bool, error)
}

// fetchDeployConfig loads and merges the org-level and repo-level deploy
// configs. Returns (nil, nil) when neither file exists; a missing file is
// normal, any other fetch failure is not.
func fetchDeployConfig(ctx context.Context, gh contentsFetcher, token, org, repo string) (*DeployConfig, error) {
	var orgCfg, repoCfg *DeployConfig

	if data, found, err := gh.GetFileContents(ctx, token, org, ".github", deployConfigPath); err != nil {
		return nil, fmt.Errorf("fetch org deploy config: %w", err)
	} else if found {
		orgCfg, err = ParseDeployConfig(data)
		if err != nil {
			return nil, err
		}
	}

	if data, found, err := gh.GetFileContents(ctx, token, org, repo, deployConfigPath); err != nil {
		return nil, fmt.Errorf("fetch repo deploy config: %w", err)
	} else if found {
		repoCfg, err = ParseDeployConfig(data)
		if err != nil {
			return nil, err
		}
	}

	if orgCfg == nil && repoCfg == nil {
		return nil, nil
	}
	return orgCfg.Merge(repoCfg), nil
}
