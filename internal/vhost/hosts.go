package vhost

import (
	"bytes"
	"net"
	"strings"
)

// LoopbackIP is the address every managed hostname maps to.
const LoopbackIP = "127.0.0.1"

type hostsLine struct {
	raw     string
	ip      string
	names   []string
	comment string
	dirty   bool
}

func parseHosts(content []byte) []hostsLine {
	text := string(content)
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	var out []hostsLine
	for _, raw := range strings.Split(text, "\n") {
		l := hostsLine{raw: raw}
		body := raw
		if i := strings.IndexByte(body, '#'); i >= 0 {
			body, l.comment = body[:i], body[i:]
		}
		if fields := strings.Fields(body); len(fields) >= 2 {
			l.ip, l.names = fields[0], fields[1:]
		}
		out = append(out, l)
	}
	return out
}

func (l hostsLine) format() string {
	if !l.dirty {
		return l.raw
	}
	s := l.ip + " " + strings.Join(l.names, " ")
	if l.comment != "" {
		s += " " + l.comment
	}
	return s
}

func (l hostsLine) has(hostname string) bool {
	for _, n := range l.names {
		if strings.EqualFold(n, hostname) {
			return true
		}
	}
	return false
}

func (l *hostsLine) drop(hostname string) {
	kept := l.names[:0:0]
	for _, n := range l.names {
		if !strings.EqualFold(n, hostname) {
			kept = append(kept, n)
		}
	}
	l.names = kept
	l.dirty = true
}

func joinHosts(lines []hostsLine) []byte {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l.format())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func sameFamily(a, b string) bool {
	ipa, ipb := net.ParseIP(a), net.ParseIP(b)
	if ipa == nil || ipb == nil {
		return false
	}
	return (ipa.To4() == nil) == (ipb.To4() == nil)
}

// Lookup returns the addresses content maps hostname to, in file order.
func Lookup(content []byte, hostname string) []string {
	var ips []string
	for _, l := range parseHosts(content) {
		if l.ip != "" && l.has(hostname) {
			ips = append(ips, l.ip)
		}
	}
	return ips
}

// EnsureEntry returns content with exactly one ip mapping for hostname among
// addresses of ip's family. A mapping to a different address of that family
// is corrected in place; later duplicates are dropped. Untouched lines are
// kept byte for byte. changed is false when content already satisfied this.
func EnsureEntry(content []byte, ip, hostname string) (out []byte, changed bool) {
	lines := parseHosts(content)
	found := false
	kept := lines[:0:0]
	for _, l := range lines {
		if l.ip == "" || !l.has(hostname) || !sameFamily(l.ip, ip) {
			kept = append(kept, l)
			continue
		}
		switch {
		case !found && l.ip == ip:
			found = true
		case !found && len(l.names) == 1:
			l.ip = ip
			l.dirty = true
			found = true
			changed = true
		default:
			l.drop(hostname)
			changed = true
			if len(l.names) == 0 {
				continue
			}
		}
		kept = append(kept, l)
	}
	if !found {
		kept = append(kept, hostsLine{ip: ip, names: []string{hostname}, dirty: true})
		changed = true
	}
	if !changed {
		return content, false
	}
	return joinHosts(kept), true
}

// RemoveEntry returns content with hostname unmapped from every address.
// Lines left without names are dropped.
func RemoveEntry(content []byte, hostname string) (out []byte, changed bool) {
	lines := parseHosts(content)
	kept := lines[:0:0]
	for _, l := range lines {
		if l.ip != "" && l.has(hostname) {
			l.drop(hostname)
			changed = true
			if len(l.names) == 0 {
				continue
			}
		}
		kept = append(kept, l)
	}
	if !changed {
		return content, false
	}
	return joinHosts(kept), true
}
