package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// BuildNetworkName is the isolated bridge network builds attach to.
const BuildNetworkName = "catapult-build-isolated"

// firewallChain filters egress from the build subnet toward private
// address space.
const firewallChain = "CATAPULT_BUILD_ISOLATION"

var privateRanges = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// Warden sets up the isolated build network and its firewall rules.
// Everything it does is idempotent; missing privileges degrade to a
// warning rather than blocking builds.
type Warden struct {
	Runtime string
	Log     *slog.Logger
}

// Ensure creates the build network if needed and installs the firewall
// chain. Returns the network's subnet.
func (w *Warden) Ensure(ctx context.Context) (string, error) {
	log := w.Log
	if log == nil {
		log = slog.Default()
	}

	subnet, err := w.networkSubnet(ctx, BuildNetworkName)
	if err == nil && subnet != "" {
		w.ensureFirewall(ctx, log, subnet)
		return subnet, nil
	}

	subnet, err = w.pickSubnet(ctx)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, w.Runtime, "network", "create",
		"--driver", "bridge", "--subnet", subnet, BuildNetworkName)
	if output, err := cmd.CombinedOutput(); err != nil {
		// Lost a race with a concurrent create, or it already existed.
		if existing, lookupErr := w.networkSubnet(ctx, BuildNetworkName); lookupErr == nil && existing != "" {
			w.ensureFirewall(ctx, log, existing)
			return existing, nil
		}
		return "", fmt.Errorf("create network %s: %s", BuildNetworkName, strings.TrimSpace(string(output)))
	}

	log.Info("created build network", "network", BuildNetworkName, "subnet", subnet)
	w.ensureFirewall(ctx, log, subnet)
	return subnet, nil
}

// networkSubnet returns the subnet of an existing network, or "" when
// the network does not exist.
func (w *Warden) networkSubnet(ctx context.Context, name string) (string, error) {
	cmd := exec.CommandContext(ctx, w.Runtime, "network", "inspect", name)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return firstSubnet(out), nil
}

// pickSubnet finds a free /24 in 10.89.0.0/16 by inspecting every
// existing network's subnets.
func (w *Warden) pickSubnet(ctx context.Context) (string, error) {
	used := map[string]bool{}

	listCmd := exec.CommandContext(ctx, w.Runtime, "network", "ls", "-q")
	out, err := listCmd.Output()
	if err == nil {
		for _, name := range strings.Fields(string(out)) {
			inspect := exec.CommandContext(ctx, w.Runtime, "network", "inspect", name)
			data, err := inspect.Output()
			if err != nil {
				continue
			}
			for _, s := range allSubnets(data) {
				used[s] = true
			}
		}
	}

	for i := 0; i < 256; i++ {
		candidate := fmt.Sprintf("10.89.%d.0/24", i)
		if !used[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free /24 in 10.89.0.0/16")
}

// ensureFirewall installs the isolation chain: allow intra-subnet
// traffic, drop everything toward private ranges, and jump into the
// chain for packets sourced from the build subnet.
func (w *Warden) ensureFirewall(ctx context.Context, log *slog.Logger, subnet string) {
	if err := runQuiet(ctx, "iptables", "-N", firewallChain); err != nil {
		// Chain probably exists already; a real permission problem will
		// surface on the rule installs below.
		log.Debug("iptables chain create", "chain", firewallChain, "error", err)
	}

	rules := [][]string{
		{"-A", firewallChain, "-s", subnet, "-d", subnet, "-j", "ACCEPT"},
	}
	for _, r := range privateRanges {
		rules = append(rules, []string{"-A", firewallChain, "-s", subnet, "-d", r, "-j", "DROP"})
	}
	rules = append(rules, []string{"-A", "FORWARD", "-s", subnet, "-j", firewallChain})

	for _, rule := range rules {
		check := append([]string{"-C"}, rule[1:]...)
		if runQuiet(ctx, "iptables", check...) == nil {
			continue
		}
		if err := runQuiet(ctx, "iptables", rule...); err != nil {
			log.Warn("could not install firewall rule, build egress filtering incomplete",
				"rule", strings.Join(rule, " "), "error", err)
		}
	}
}

func runQuiet(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run()
}

// Network inspect output differs between podman and docker; both nest
// subnets under IPAM-ish config blocks, so we scan generically.
func firstSubnet(data []byte) string {
	subnets := allSubnets(data)
	if len(subnets) == 0 {
		return ""
	}
	return subnets[0]
}

func allSubnets(data []byte) []string {
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil
	}
	var found []string
	collectSubnets(parsed, &found)
	return found
}

func collectSubnets(node any, out *[]string) {
	switch v := node.(type) {
	case map[string]any:
		for key, val := range v {
			if strings.EqualFold(key, "subnet") {
				if s, ok := val.(string); ok {
					*out = append(*out, s)
					continue
				}
			}
			collectSubnets(val, out)
		}
	case []any:
		for _, item := range v {
			collectSubnets(item, out)
		}
	}
}
