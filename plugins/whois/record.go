package whois

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	whoisparser "github.com/likexian/whois-parser"
)

const (
	parserStructured = "whois-parser"
	parserRegex      = "regex"

	rawSnippetLen = 800
)

// Record is the normalized registration data of a domain.
type Record struct {
	Query                  string   `json:"query,omitempty"`
	Domain                 string   `json:"domain"`
	Found                  bool     `json:"found"`
	Registrar              string   `json:"registrar,omitempty"`
	CreatedDate            string   `json:"created_date,omitempty"`
	UpdatedDate            string   `json:"updated_date,omitempty"`
	ExpirationDate         string   `json:"expiration_date,omitempty"`
	AgeDays                *int     `json:"age_days,omitempty"`
	Expired                bool     `json:"expired,omitempty"`
	NameServers            []string `json:"name_servers,omitempty"`
	Status                 []string `json:"status,omitempty"`
	RegistrantOrganization string   `json:"registrant_organization,omitempty"`
	RegistrantCountry      string   `json:"registrant_country,omitempty"`
	Emails                 []string `json:"emails,omitempty"`
	Parser                 string   `json:"parser"`
	RawSnippet             string   `json:"raw_snippet,omitempty"`
}

var (
	notFoundRe = regexp.MustCompile(`(?i)(no match for|not found|no data found|no entries found|status:\s*(free|available))`)

	registrarRe   = regexp.MustCompile(`(?im)^\s*(?:Registrar|Sponsoring Registrar):\s*(.+)$`)
	createdRe     = regexp.MustCompile(`(?im)^\s*(?:Creation Date|Registered on|Registered Date|Domain Registration Date|Created):?\s*(.+)$`)
	updatedRe     = regexp.MustCompile(`(?im)^\s*(?:Updated Date|Last Updated|Last Modified|Changed):?\s*(.+)$`)
	expirationRe  = regexp.MustCompile(`(?im)^\s*(?:Registry Expiry Date|Expiration Date|Expiry Date|Expires on|Expires):?\s*(.+)$`)
	nameServerRe  = regexp.MustCompile(`(?im)^\s*(?:Name Server|nserver):\s*([^\s]+)`)
	nameServersRe = regexp.MustCompile(`(?im)^\s*Nameservers?:\s*(.+)$`)
	statusRe      = regexp.MustCompile(`(?im)^\s*(?:Domain )?Status:\s*([^\s]+)`)
	emailRe       = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// ParseRecord turns raw WHOIS text into a Record. Text the structured parser
// rejects is scanned with regular expressions instead.
func ParseRecord(domain, raw string) Record {
	rec := Record{
		Domain:     domain,
		Found:      true,
		RawSnippet: snippet(raw),
	}

	if strings.TrimSpace(raw) == "" || notFoundRe.MatchString(firstLines(raw, 5)) {
		rec.Found = false
		rec.Parser = parserRegex
		return rec
	}

	info, err := whoisparser.Parse(raw)
	switch {
	case errors.Is(err, whoisparser.ErrNotFoundDomain):
		rec.Found = false
		rec.Parser = parserStructured
		return rec
	case err == nil && info.Domain != nil:
		rec.Parser = parserStructured
		fromParsed(&rec, info)
	default:
		rec.Parser = parserRegex
	}

	// The regex pass only fills fields the parser left empty.
	fromRaw(&rec, raw)

	rec.NameServers = normalizeHosts(rec.NameServers)
	rec.Emails = uniqueSorted(append(rec.Emails, emailRe.FindAllString(raw, -1)...), strings.ToLower)
	return rec
}

func fromParsed(rec *Record, info whoisparser.WhoisInfo) {
	d := info.Domain
	rec.CreatedDate = d.CreatedDate
	rec.UpdatedDate = d.UpdatedDate
	rec.ExpirationDate = d.ExpirationDate
	rec.NameServers = append(rec.NameServers, d.NameServers...)
	rec.Status = append(rec.Status, d.Status...)

	if info.Registrar != nil {
		rec.Registrar = info.Registrar.Name
	}
	if info.Registrant != nil {
		rec.RegistrantOrganization = info.Registrant.Organization
		rec.RegistrantCountry = info.Registrant.Country
	}
	for _, c := range []*whoisparser.Contact{info.Registrar, info.Registrant, info.Administrative, info.Technical, info.Billing} {
		if c != nil && c.Email != "" {
			rec.Emails = append(rec.Emails, c.Email)
		}
	}
}

func fromRaw(rec *Record, raw string) {
	setIfEmpty(&rec.Registrar, firstMatch(registrarRe, raw))
	setIfEmpty(&rec.CreatedDate, firstMatch(createdRe, raw))
	setIfEmpty(&rec.UpdatedDate, firstMatch(updatedRe, raw))
	setIfEmpty(&rec.ExpirationDate, firstMatch(expirationRe, raw))

	if len(rec.NameServers) == 0 {
		for _, m := range nameServerRe.FindAllStringSubmatch(raw, -1) {
			rec.NameServers = append(rec.NameServers, m[1])
		}
	}
	if len(rec.NameServers) == 0 {
		if m := nameServersRe.FindStringSubmatch(raw); m != nil {
			rec.NameServers = strings.FieldsFunc(m[1], func(r rune) bool {
				return r == ',' || r == ' ' || r == '\t'
			})
		}
	}
	if len(rec.Status) == 0 {
		for _, m := range statusRe.FindAllStringSubmatch(raw, -1) {
			rec.Status = append(rec.Status, m[1])
		}
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02",
	"02.01.2006",
	"2006/01/02",
}

// ParseDate reads the date formats commonly found in WHOIS records.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	candidates := []string{s}
	if i := strings.IndexAny(s, " \t"); i > 0 {
		candidates = append(candidates, s[:i])
	}
	for _, c := range candidates {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func (r *Record) setAge(now time.Time) {
	r.AgeDays = nil
	r.Expired = false
	if created, ok := ParseDate(r.CreatedDate); ok {
		days := int(now.Sub(created).Hours() / 24)
		r.AgeDays = &days
	}
	if expires, ok := ParseDate(r.ExpirationDate); ok {
		r.Expired = now.After(expires)
	}
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

func snippet(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > rawSnippetLen {
		return raw[:rawSnippetLen] + "..."
	}
	return raw
}

func normalizeHosts(hosts []string) []string {
	return uniqueSorted(hosts, func(h string) string {
		return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
	})
}

func uniqueSorted(values []string, norm func(string) string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		v = norm(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
