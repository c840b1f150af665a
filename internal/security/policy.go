package security

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// Action is a policy outcome.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
)

func (a *Action) UnmarshalText(text []byte) error {
	switch s := strings.ToLower(strings.TrimSpace(string(text))); s {
	case "allow", "":
		*a = Allow
	case "deny":
		*a = Deny
	default:
		return fmt.Errorf("unknown URL action: %s", s)
	}
	return nil
}

// Rule is either a preset category or a glob over the canonical URL.
type Rule struct {
	Preset  Category
	Pattern string
}

const presetPrefix = "preset:"

// ParseRule reads "preset:<category>" or a bare glob pattern.
func ParseRule(s string) (Rule, error) {
	if name, ok := strings.CutPrefix(s, presetPrefix); ok {
		c, err := ParseCategory(name)
		if err != nil {
			return Rule{}, err
		}
		return Rule{Preset: c}, nil
	}
	return Rule{Pattern: s}, nil
}

func (r Rule) String() string {
	if r.Preset != "" {
		return presetPrefix + string(r.Preset)
	}
	return r.Pattern
}

func (r Rule) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Rule) UnmarshalText(text []byte) error {
	parsed, err := ParseRule(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Rule) matches(safety Safety, canonical string) bool {
	if r.Preset != "" {
		return safety.Category == r.Preset
	}
	return globMatch(r.Pattern, canonical)
}

// URLPolicy is evaluated tier by tier; the first tier with a matching rule
// decides.
type URLPolicy struct {
	Default       Action `json:"default,omitempty" yaml:"default,omitempty"`
	Allow         []Rule `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny          []Rule `json:"deny,omitempty" yaml:"deny,omitempty"`
	AllowOverride []Rule `json:"allow_override,omitempty" yaml:"allow_override,omitempty"`
	DenyOverride  []Rule `json:"deny_override,omitempty" yaml:"deny_override,omitempty"`
}

// Evaluate returns the action for raw, given its classification.
func (p *URLPolicy) Evaluate(raw string, safety Safety) Action {
	canonical := CanonicalURL(raw)
	tiers := []struct {
		rules  []Rule
		action Action
	}{
		{p.DenyOverride, Deny},
		{p.AllowOverride, Allow},
		{p.Deny, Deny},
		{p.Allow, Allow},
	}
	for _, tier := range tiers {
		for _, r := range tier.rules {
			if r.matches(safety, canonical) {
				return tier.action
			}
		}
	}
	if p.Default == Deny {
		return Deny
	}
	return Allow
}

// CanonicalURL normalizes raw for glob matching: lowercase scheme and host,
// percent-decoded IDNA host, numeric IPv4 hosts in dotted form, and a "/"
// path for bare http(s) origins. Unparseable input is only lowercased.
func CanonicalURL(raw string) string {
	u, ok := parseURL(raw)
	if !ok {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	out := *u
	out.Scheme = strings.ToLower(out.Scheme)

	host := hostOf(u)
	if addr, isIP, valid := hostAddr(host); isIP && valid {
		host = addr.String()
	} else if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" {
		host = net.JoinHostPort(strings.Trim(host, "[]"), port)
	}
	out.Host = host
	if (out.Scheme == "http" || out.Scheme == "https") && out.Path == "" && out.Opaque == "" {
		out.Path = "/"
	}
	return (&out).String()
}

// urlDecision applies the policy and names the reason for a denial.
func urlDecision(p *URLPolicy, raw string, safety Safety) Decision {
	if p.Evaluate(raw, safety) == Allow {
		return Allowed()
	}
	if safety.Sensitive() {
		return Denied(safety.Category.Display())
	}
	return Denied("denied by URL policy")
}
