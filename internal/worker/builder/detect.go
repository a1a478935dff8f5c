package builder

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/nullisLabs/catapult/internal/protocol"
)

// Detect inspects a checkout and identifies the site generator. The
// probes run in priority order so a SvelteKit repo (which also carries a
// vite config) is not misdetected as plain Vite.
func Detect(dir string) (protocol.SiteType, error) {
	if fileExists(dir, "svelte.config.js") || fileExists(dir, "svelte.config.ts") {
		return protocol.SiteSvelteKit, nil
	}
	if fileExists(dir, "vite.config.js") || fileExists(dir, "vite.config.ts") {
		return protocol.SiteVite, nil
	}
	if isZolaConfig(filepath.Join(dir, "config.toml")) {
		return protocol.SiteZola, nil
	}
	if fileExists(dir, "flake.nix") {
		return protocol.SiteCustom, nil
	}
	if fileExists(dir, "package.json") {
		return protocol.SiteVite, nil
	}
	return protocol.SiteAuto, fmt.Errorf("could not detect site type in %s", dir)
}

func fileExists(dir, name string) bool {
	info, err := os.Stat(filepath.Join(dir, name))
	return err == nil && !info.IsDir()
}

// isZolaConfig reports whether config.toml looks like a Zola site:
// it must parse and carry both a base_url and a [markdown] table. A bare
// config.toml belongs to too many tools to be a signal on its own.
func isZolaConfig(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var cfg map[string]any
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return false
	}
	if _, ok := cfg["base_url"]; !ok {
		return false
	}
	_, hasMarkdown := cfg["markdown"].(map[string]any)
	return hasMarkdown
}
