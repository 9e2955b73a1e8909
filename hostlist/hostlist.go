// Package hostlist implements compressed hostname-range printing and
// parsing (spec §4.2): "nodeNNN[01-32,40]" style expressions used
// everywhere a node set needs a compact, canonical, human-readable form.
package hostlist

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// host splits a hostname into a non-numeric prefix, a numeric core (kept
// as both its literal width and integer value so zero-padding survives a
// round trip), and a trailing suffix. Hosts with no trailing digits have
// num == -1 and are treated as unrangeable singletons.
type host struct {
	raw    string
	prefix string
	suffix string
	num    int
	width  int
}

var trailingDigits = regexp.MustCompile(`^(.*?)(\d+)([^0-9]*)$`)

func splitHost(name string) host {
	m := trailingDigits.FindStringSubmatch(name)
	if m == nil {
		return host{raw: name, prefix: name, num: -1}
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return host{raw: name, prefix: name, num: -1}
	}
	return host{raw: name, prefix: m[1], suffix: m[3], num: n, width: len(m[2])}
}

// HostList is an ordered sequence of host names.
type HostList struct {
	hosts []string
}

// New returns a HostList over the given host names, preserving order.
func New(names ...string) *HostList {
	hl := &HostList{hosts: make([]string, len(names))}
	copy(hl.hosts, names)
	return hl
}

// Hosts returns the ordered host names.
func (hl *HostList) Hosts() []string {
	out := make([]string, len(hl.hosts))
	copy(out, hl.hosts)
	return out
}

// Len returns the number of hosts.
func (hl *HostList) Len() int { return len(hl.hosts) }

// Push appends a host name.
func (hl *HostList) Push(name string) { hl.hosts = append(hl.hosts, name) }

// group is a contiguous run of hosts sharing prefix/suffix/width whose
// numeric cores form a consecutive range.
type group struct {
	prefix, suffix string
	width          int
	lo, hi         int
	bare           string // non-numeric singleton, prefix holds the whole name
}

// Print renders the canonical, deterministic compressed form: hosts are
// sorted by prefix then numeric value, contiguous numeric runs sharing a
// prefix/suffix/width are printed as "prefix[lo-hi]suffix" using the
// original zero-padded width of the low end, singletons appear bare, and
// multiple groups are comma-joined.
func (hl *HostList) Print() string {
	if len(hl.hosts) == 0 {
		return ""
	}
	hs := make([]host, len(hl.hosts))
	for i, n := range hl.hosts {
		hs[i] = splitHost(n)
	}
	sort.SliceStable(hs, func(i, j int) bool {
		if hs[i].prefix != hs[j].prefix {
			return hs[i].prefix < hs[j].prefix
		}
		if hs[i].suffix != hs[j].suffix {
			return hs[i].suffix < hs[j].suffix
		}
		return hs[i].num < hs[j].num
	})

	var groups []group
	for _, h := range hs {
		if h.num < 0 {
			groups = append(groups, group{bare: h.raw})
			continue
		}
		if n := len(groups); n > 0 {
			last := &groups[n-1]
			if last.bare == "" && last.prefix == h.prefix && last.suffix == h.suffix &&
				last.width == h.width && last.hi+1 == h.num {
				last.hi = h.num
				continue
			}
		}
		groups = append(groups, group{prefix: h.prefix, suffix: h.suffix, width: h.width, lo: h.num, hi: h.num})
	}

	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		if g.bare != "" {
			parts = append(parts, g.bare)
			continue
		}
		if g.lo == g.hi {
			parts = append(parts, fmt.Sprintf("%s%0*d%s", g.prefix, g.width, g.lo, g.suffix))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s[%0*d-%0*d]%s", g.prefix, g.width, g.lo, g.width, g.hi, g.suffix))
	}
	return strings.Join(parts, ",")
}

// rangeExpr matches "prefix[ranges]suffix" where ranges is a
// comma-separated list of "lo-hi" or "n" numeric tokens.
var rangeExpr = regexp.MustCompile(`^([^\[\]]*)\[([^\[\]]*)\]([^\[\]]*)$`)

// Parse expands a compressed expression (comma-separated mix of bare
// names and "prefix[ranges]suffix" groups) back into a HostList.
func Parse(s string) (*HostList, error) {
	hl := &HostList{}
	if strings.TrimSpace(s) == "" {
		return hl, nil
	}
	for _, tok := range splitTopLevelCommas(s) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		m := rangeExpr.FindStringSubmatch(tok)
		if m == nil {
			hl.hosts = append(hl.hosts, tok)
			continue
		}
		prefix, ranges, suffix := m[1], m[2], m[3]
		for _, r := range strings.Split(ranges, ",") {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			if dash := strings.IndexByte(r, '-'); dash >= 0 {
				loStr, hiStr := r[:dash], r[dash+1:]
				lo, err := strconv.Atoi(loStr)
				if err != nil {
					return nil, fmt.Errorf("hostlist: invalid range start %q: %w", loStr, err)
				}
				hi, err := strconv.Atoi(hiStr)
				if err != nil {
					return nil, fmt.Errorf("hostlist: invalid range end %q: %w", hiStr, err)
				}
				if hi < lo {
					return nil, fmt.Errorf("hostlist: invalid range %q: end before start", r)
				}
				width := len(loStr)
				for i := lo; i <= hi; i++ {
					hl.hosts = append(hl.hosts, fmt.Sprintf("%s%0*d%s", prefix, width, i, suffix))
				}
			} else {
				width := len(r)
				n, err := strconv.Atoi(r)
				if err != nil {
					return nil, fmt.Errorf("hostlist: invalid index %q: %w", r, err)
				}
				hl.hosts = append(hl.hosts, fmt.Sprintf("%s%0*d%s", prefix, width, n, suffix))
			}
		}
	}
	return hl, nil
}

// splitTopLevelCommas splits on commas that are not inside a [...] group.
func splitTopLevelCommas(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// Canonical re-parses and re-prints s, giving the canonical form used by
// the idempotence property P4: parse(print(parse(s))) == parse(s).
func Canonical(s string) (string, error) {
	hl, err := Parse(s)
	if err != nil {
		return "", err
	}
	return hl.Print(), nil
}
