package blockchain

import (
	"net/url"
	"strings"
)

// ExplorerURL renders a transaction link. A base containing {tx} is used as a
// template; otherwise the reference is appended as a path segment. Solana
// devnet and testnet links get a cluster query parameter unless the base
// already carries one.
func ExplorerURL(base, network, ref string) string {
	if base == "" || ref == "" {
		return ""
	}
	escaped := url.PathEscape(ref)

	var link string
	if strings.Contains(base, "{tx}") {
		link = strings.ReplaceAll(base, "{tx}", escaped)
	} else {
		u, err := url.Parse(base)
		if err != nil {
			return strings.TrimRight(base, "/") + "/" + escaped
		}
		u.Path = strings.TrimRight(u.Path, "/") + "/" + ref
		u.RawPath = ""
		link = u.String()
	}

	if cluster := clusterFor(network); cluster != "" && !strings.Contains(link, "cluster=") {
		sep := "?"
		if strings.Contains(link, "?") {
			sep = "&"
		}
		link += sep + "cluster=" + cluster
	}
	return link
}

func clusterFor(network string) string {
	n := strings.ToLower(network)
	if !strings.HasPrefix(n, "solana") {
		return ""
	}
	switch {
	case strings.Contains(n, "devnet"):
		return "devnet"
	case strings.Contains(n, "testnet"):
		return "testnet"
	}
	return ""
}
