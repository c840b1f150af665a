// Package security decides whether sensitive operations may proceed: URL
// sensitivity classification and policy, file path allowlists, and the
// hook-backed permission gate.
package security

import (
	"fmt"
	"math"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// Category is a URL sensitivity category.
type Category string

const (
	CategoryLoopback       Category = "loopback"
	CategoryPrivateNetwork Category = "private_network"
	CategoryLinkLocal      Category = "link_local"
	CategoryCloudMetadata  Category = "cloud_metadata"
	CategoryUnparseable    Category = "unparseable"
)

// Categories lists every category in declaration order.
func Categories() []Category {
	return []Category{CategoryLoopback, CategoryPrivateNetwork, CategoryLinkLocal, CategoryCloudMetadata, CategoryUnparseable}
}

// ParseCategory accepts the snake_case wire name.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown URL category: %s", s)
}

// Display is the human-readable reason used in denials.
func (c Category) Display() string {
	switch c {
	case CategoryLoopback:
		return "loopback address"
	case CategoryPrivateNetwork:
		return "private network address"
	case CategoryLinkLocal:
		return "link-local address"
	case CategoryCloudMetadata:
		return "cloud metadata endpoint"
	case CategoryUnparseable:
		return "could not parse URL"
	}
	return string(c)
}

// Safety is the classification result. A zero Category means safe.
type Safety struct {
	Category Category
}

func (s Safety) Sensitive() bool { return s.Category != "" }

func (s Safety) String() string {
	if !s.Sensitive() {
		return "safe"
	}
	return "sensitive"
}

var (
	metadataV4 = netip.AddrFrom4([4]byte{169, 254, 169, 254})
	metadataV6 = netip.MustParseAddr("fd00:ec2::254")
	nat64      = netip.MustParsePrefix("64:ff9b::/96")
)

// Classify decides whether raw points at a sensitive target. The numeric
// address is what gets classified, so alternate IPv4 spellings and
// IPv4-mapped IPv6 land in the same category as the dotted form.
func Classify(raw string) Safety {
	u, ok := parseURL(raw)
	if !ok {
		return Safety{Category: CategoryUnparseable}
	}
	host := hostOf(u)
	if host == "" {
		return Safety{Category: CategoryUnparseable}
	}
	addr, isIP, valid := hostAddr(host)
	if !valid {
		return Safety{Category: CategoryUnparseable}
	}
	if isIP {
		return Safety{Category: classifyAddr(addr)}
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return Safety{Category: CategoryLoopback}
	}
	return Safety{}
}

func classifyAddr(a netip.Addr) Category {
	a = a.Unmap()
	if a.Is6() && nat64.Contains(a) {
		b := a.As16()
		a = netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]})
	}
	switch {
	case a.IsLoopback(), a.IsUnspecified():
		return CategoryLoopback
	case a == metadataV4, a.WithZone("") == metadataV6:
		return CategoryCloudMetadata
	case a.IsLinkLocalUnicast():
		return CategoryLinkLocal
	case a.IsPrivate():
		return CategoryPrivateNetwork
	}
	return ""
}

// parseURL parses raw and requires a scheme and host. Percent-encoded
// ASCII in the host is rejected by net/url, so the authority is unescaped
// and parsed a second time before giving up.
func parseURL(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		scheme, rest, found := strings.Cut(raw, "://")
		if !found {
			return nil, false
		}
		end := strings.IndexAny(rest, "/?#")
		if end < 0 {
			end = len(rest)
		}
		authority, err := url.PathUnescape(rest[:end])
		if err != nil {
			return nil, false
		}
		u, err = url.Parse(scheme + "://" + authority + rest[end:])
		if err != nil {
			return nil, false
		}
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, false
	}
	return u, true
}

func hostOf(u *url.URL) string {
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

// hostAddr resolves a textual host to an address. isIP is false for
// domains; valid is false for hosts that look numeric but do not parse.
func hostAddr(host string) (addr netip.Addr, isIP, valid bool) {
	if a, err := netip.ParseAddr(host); err == nil {
		return a, true, true
	}
	if strings.Contains(host, ":") {
		return netip.Addr{}, false, false
	}
	a, numeric, ok := parseLooseIPv4(host)
	if !numeric {
		return netip.Addr{}, false, true
	}
	return a, true, ok
}

// parseLooseIPv4 follows the WHATWG host parser: 1 to 4 parts, each
// decimal, 0x-hex or 0-octal, the last part filling the remaining bytes.
// numeric reports whether the host ends in a number and must therefore be
// treated as an IPv4 literal.
func parseLooseIPv4(host string) (netip.Addr, bool, bool) {
	parts := strings.Split(host, ".")
	if len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	last := parts[len(parts)-1]
	if _, ok := parseIPv4Part(last); !ok && !isDecimal(last) {
		return netip.Addr{}, false, false
	}
	if len(parts) > 4 {
		return netip.Addr{}, true, false
	}
	nums := make([]uint64, len(parts))
	for i, p := range parts {
		n, ok := parseIPv4Part(p)
		if !ok {
			return netip.Addr{}, true, false
		}
		nums[i] = n
	}
	for _, n := range nums[:len(nums)-1] {
		if n > 255 {
			return netip.Addr{}, true, false
		}
	}
	lastNum := nums[len(nums)-1]
	if lastNum >= uint64(math.Pow(256, float64(5-len(nums)))) {
		return netip.Addr{}, true, false
	}
	v := lastNum
	for i, n := range nums[:len(nums)-1] {
		v += n << (8 * (3 - i))
	}
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), true, true
}

func parseIPv4Part(p string) (uint64, bool) {
	if p == "" {
		return 0, false
	}
	base := 10
	switch {
	case len(p) >= 2 && (p[:2] == "0x" || p[:2] == "0X"):
		p, base = p[2:], 16
		if p == "" {
			return 0, true
		}
	case len(p) > 1 && p[0] == '0':
		p, base = p[1:], 8
	}
	n, err := strconv.ParseUint(p, base, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
