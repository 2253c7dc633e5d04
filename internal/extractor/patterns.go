package extractor

import (
	"net/netip"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Observable data types produced by the extractor.
const (
	TypeIP        = "ip"
	TypeURL       = "url"
	TypeMail      = "mail"
	TypeHash      = "hash"
	TypeDomain    = "domain"
	TypeFQDN      = "fqdn"
	TypeUserAgent = "user-agent"
	TypeRegistry  = "registry"
)

var (
	urlRe    = regexp.MustCompile(`(?i)\b(?:https?|hxxps?|ftp)://[^\s"'<>` + "`" + `]+`)
	mailRe   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@(?:[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,63}`)
	ipv4Re   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	ipv6Re   = regexp.MustCompile(`(?i)[0-9a-f:]*:[0-9a-f:]*:[0-9a-f:]*`)
	hashRe   = regexp.MustCompile(`\b(?:[A-Fa-f0-9]{128}|[A-Fa-f0-9]{64}|[A-Fa-f0-9]{40}|[A-Fa-f0-9]{32})\b`)
	domainRe = regexp.MustCompile(`\b(?:[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,63}\b`)

	userAgentRe = regexp.MustCompile(`^(?:Mozilla/[45]\.0 \(|Opera/\d|curl/\d|Wget/\d|python-requests/\d|Go-http-client/\d)`)
	registryRe  = regexp.MustCompile(`(?i)^(?:HKEY_LOCAL_MACHINE|HKEY_CURRENT_USER|HKEY_CLASSES_ROOT|HKEY_USERS|HKEY_CURRENT_CONFIG|HKLM|HKCU|HKCR|HKU|HKCC)\\\S`)
)

// fileExtensions are suffixes that look like TLDs but almost always name files.
var fileExtensions = map[string]bool{
	"exe": true, "dll": true, "sys": true, "bat": true, "cmd": true, "ps1": true,
	"tmp": true, "txt": true, "log": true, "json": true, "yaml": true, "yml": true,
	"xml": true, "ini": true, "cfg": true, "conf": true, "dat": true, "bin": true,
	"jpg": true, "jpeg": true, "png": true, "gif": true, "bmp": true, "doc": true,
	"docx": true, "xls": true, "xlsx": true, "pdf": true, "html": true, "htm": true,
	"php": true, "asp": true, "aspx": true, "jsp": true, "js": true, "css": true,
	"go": true, "py": true, "rb": true, "java": true, "class": true, "jar": true,
	"lnk": true, "vbs": true, "hta": true, "scr": true, "msi": true, "iso": true,
	"gz": true, "tar": true, "rar": true, "7z": true, "csv": true, "md": true,
}

// match is one observable found at [start, end) inside a leaf string.
type match struct {
	start, end int
	obs        Observable
}

// phase finds candidate matches of a single kind.
type phase func(s string) []match

// phases run in priority order. Text claimed by an earlier phase is not
// reported again by a later one (a URL's host is not also a domain).
var phases = []phase{findURLs, findMails, findIPv4, findIPv6, findHashes, findDomains}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

func isDigit(b byte) bool {
	return '0' <= b && b <= '9'
}

func isHexDigit(b byte) bool {
	return isDigit(b) || ('a' <= b && b <= 'f') || ('A' <= b && b <= 'F')
}

func findURLs(s string) []match {
	var out []match
	for _, loc := range urlRe.FindAllStringIndex(s, -1) {
		end := loc[1]
		for end > loc[0] && strings.ContainsRune(".,;:!?)]}'\"", rune(s[end-1])) {
			end--
		}
		candidate := s[loc[0]:end]
		u, err := url.Parse(candidate)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, match{loc[0], end, Observable{DataType: TypeURL, Data: candidate}})
	}
	return out
}

func findMails(s string) []match {
	var out []match
	for _, loc := range mailRe.FindAllStringIndex(s, -1) {
		if loc[1] < len(s) && (isWordByte(s[loc[1]]) || s[loc[1]] == '-') {
			continue
		}
		out = append(out, match{loc[0], loc[1], Observable{DataType: TypeMail, Data: s[loc[0]:loc[1]]}})
	}
	return out
}

func findIPv4(s string) []match {
	var out []match
	for _, loc := range ipv4Re.FindAllStringIndex(s, -1) {
		// part of a longer dotted run such as a version "1.2.3.4.5"
		if loc[0] > 0 && s[loc[0]-1] == '.' {
			continue
		}
		if loc[1]+1 < len(s) && s[loc[1]] == '.' && isDigit(s[loc[1]+1]) {
			continue
		}
		candidate := s[loc[0]:loc[1]]
		addr, err := netip.ParseAddr(candidate)
		if err != nil || !addr.Is4() {
			continue
		}
		out = append(out, match{loc[0], loc[1], Observable{DataType: TypeIP, Data: candidate}})
	}
	return out
}

func findIPv6(s string) []match {
	var out []match
	for _, loc := range ipv6Re.FindAllStringIndex(s, -1) {
		if loc[0] > 0 && (isWordByte(s[loc[0]-1]) || s[loc[0]-1] == '.') {
			continue
		}
		if loc[1] < len(s) && isWordByte(s[loc[1]]) {
			continue
		}
		// a full stop ends a sentence unless more address text follows it
		if loc[1]+1 < len(s) && s[loc[1]] == '.' && (isHexDigit(s[loc[1]+1]) || s[loc[1]+1] == ':') {
			continue
		}
		candidate := s[loc[0]:loc[1]]
		addr, err := netip.ParseAddr(candidate)
		if err != nil || !addr.Is6() || addr.IsUnspecified() {
			continue
		}
		out = append(out, match{loc[0], loc[1], Observable{DataType: TypeIP, Data: candidate}})
	}
	return out
}

func findHashes(s string) []match {
	var out []match
	for _, loc := range hashRe.FindAllStringIndex(s, -1) {
		out = append(out, match{loc[0], loc[1], Observable{DataType: TypeHash, Data: s[loc[0]:loc[1]]}})
	}
	return out
}

func findDomains(s string) []match {
	var out []match
	for _, loc := range domainRe.FindAllStringIndex(s, -1) {
		if loc[0] > 0 && strings.ContainsRune("@.-/\\", rune(s[loc[0]-1])) {
			continue
		}
		if loc[1] < len(s) && strings.ContainsRune("-@\\", rune(s[loc[1]])) {
			continue
		}
		candidate := s[loc[0]:loc[1]]
		labels := strings.Split(candidate, ".")
		if fileExtensions[strings.ToLower(labels[len(labels)-1])] {
			continue
		}
		dataType := TypeDomain
		if len(labels) > 2 {
			dataType = TypeFQDN
		}
		out = append(out, match{loc[0], loc[1], Observable{DataType: dataType, Data: candidate}})
	}
	return out
}

// scan returns every observable embedded in s, ordered by offset.
func scan(s string) []match {
	var found []match
	for _, find := range phases {
		for _, m := range find(s) {
			if overlapsAny(found, m) {
				continue
			}
			found = append(found, m)
		}
	}
	sortByOffset(found)
	return found
}

func overlapsAny(taken []match, m match) bool {
	for _, t := range taken {
		if m.start < t.end && t.start < m.end {
			return true
		}
	}
	return false
}

func sortByOffset(ms []match) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].start < ms[j].start })
}

// wholeString classifies the patterns that are only meaningful as a full value.
func wholeString(s string) string {
	switch {
	case userAgentRe.MatchString(s):
		return TypeUserAgent
	case registryRe.MatchString(s):
		return TypeRegistry
	default:
		return ""
	}
}
