// Package deploy publishes build output and programs the serving path:
// site directories on disk, reverse-proxy routes, and (optionally) the
// Cloudflare tunnel in front of them.
package deploy

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MetadataFile sits inside each published site directory and lets the
// worker rebuild its routes after a restart.
const MetadataFile = ".catapult.json"

// SiteMetadata records what a published directory serves.
type SiteMetadata struct {
	SiteID string `json:"site_id"`
	Domain string `json:"domain"`
}

// SiteStore manages published site directories under a single root.
type SiteStore struct {
	Dir string
}

// SiteDir returns the directory a site is served from.
func (s *SiteStore) SiteDir(siteID string) string {
	return filepath.Join(s.Dir, siteID)
}

// Publish replaces the site directory with the build output and writes
// the metadata file. The route is installed only after this returns, so
// a half-copied site is never routable.
func (s *SiteStore) Publish(siteID, domain, srcDir string) (string, error) {
	siteDir := s.SiteDir(siteID)

	if err := os.RemoveAll(siteDir); err != nil {
		return "", fmt.Errorf("remove old site dir: %w", err)
	}
	if err := copyTree(srcDir, siteDir); err != nil {
		return "", fmt.Errorf("copy site output: %w", err)
	}

	meta := SiteMetadata{SiteID: siteID, Domain: domain}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal site metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(siteDir, MetadataFile), data, 0644); err != nil {
		return "", fmt.Errorf("write site metadata: %w", err)
	}
	return siteDir, nil
}

// Remove deletes a published site. Removing an absent site succeeds.
func (s *SiteStore) Remove(siteID string) error {
	if err := os.RemoveAll(s.SiteDir(siteID)); err != nil {
		return fmt.Errorf("remove site dir: %w", err)
	}
	return nil
}

// List returns the metadata of every published site, skipping
// directories without a readable metadata file.
func (s *SiteStore) List() ([]SiteMetadata, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sites dir: %w", err)
	}

	var sites []SiteMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir, entry.Name(), MetadataFile))
		if err != nil {
			continue
		}
		var meta SiteMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		sites = append(sites, meta)
	}
	return sites, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
