package whois

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/analyzerkit/internal/analyzer"
	"github.com/Ashfaaq98/analyzerkit/internal/plugins"
	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

const verisignRecord = `   Domain Name: EXAMPLE.COM
   Registry Domain ID: 2336799_DOMAIN_COM-VRSN
   Registrar WHOIS Server: whois.example-registrar.com
   Registrar URL: http://www.example-registrar.com
   Updated Date: 2023-08-14T07:01:38Z
   Creation Date: 1995-08-14T04:00:00Z
   Registry Expiry Date: 2030-08-13T04:00:00Z
   Registrar: Example Registrar, Inc.
   Registrar IANA ID: 9999
   Registrar Abuse Contact Email: Abuse@Example-Registrar.com
   Registrar Abuse Contact Phone: +1.5555555555
   Domain Status: clientDeleteProhibited https://icann.org/epp#clientDeleteProhibited
   Domain Status: clientTransferProhibited https://icann.org/epp#clientTransferProhibited
   Name Server: A.IANA-SERVERS.NET
   Name Server: B.IANA-SERVERS.NET
   DNSSEC: signedDelegation
>>> Last update of whois database: 2024-01-01T00:00:00Z <<<
`

var fixedNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func fakeLookup(raw string, calls *int) LookupFunc {
	return func(ctx context.Context, domain, server string, timeout time.Duration) (string, error) {
		*calls++
		return raw, nil
	}
}

func runJob(t *testing.T, impl *Analyzer, input string) (*analyzer.Outcome, map[string]interface{}, error) {
	t.Helper()
	impl.now = func() time.Time { return fixedNow }

	var out bytes.Buffer
	outcome, err := analyzer.Run(context.Background(), impl, worker.Options{
		Stdin:      strings.NewReader(input),
		Stdout:     &out,
		Definition: Plugin().Definition,
	})
	require.NotNil(t, outcome)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	return outcome, decoded, err
}

func TestPluginDefinition(t *testing.T) {
	p := Plugin()
	assert.Equal(t, "Whois", p.Name())
	assert.True(t, p.Definition.Supports("domain"))
	assert.True(t, p.Definition.Supports("fqdn"))
	assert.False(t, p.Definition.Supports("ip"))
}

func TestParseRecord(t *testing.T) {
	rec := ParseRecord("example.com", verisignRecord)

	assert.True(t, rec.Found)
	assert.Equal(t, "Example Registrar, Inc.", rec.Registrar)
	assert.Equal(t, []string{"a.iana-servers.net", "b.iana-servers.net"}, rec.NameServers)
	assert.Contains(t, rec.Emails, "abuse@example-registrar.com")
	assert.NotEmpty(t, rec.Status)

	created, ok := ParseDate(rec.CreatedDate)
	require.True(t, ok)
	assert.Equal(t, 1995, created.Year())

	expires, ok := ParseDate(rec.ExpirationDate)
	require.True(t, ok)
	assert.Equal(t, 2030, expires.Year())
}

func TestParseRecordNotFound(t *testing.T) {
	rec := ParseRecord("nope-nope.com", "No match for \"NOPE-NOPE.COM\".\n>>> Last update of whois database <<<\n")
	assert.False(t, rec.Found)
	assert.Empty(t, rec.Registrar)

	rec = ParseRecord("empty.com", "  \n")
	assert.False(t, rec.Found)
}

func TestParseRecordRegexFallback(t *testing.T) {
	raw := "% Whois server for a small registry\n" +
		"domain:      example.zz\n" +
		"Registrar: Tiny Registry Ltd\n" +
		"Created: 2024-05-20\n" +
		"Expires: 2025-05-20\n" +
		"nserver: NS1.EXAMPLE.ZZ.\n" +
		"nserver: ns2.example.zz\n" +
		"contact email: hostmaster@example.zz\n"

	rec := ParseRecord("example.zz", raw)
	assert.True(t, rec.Found)
	assert.Equal(t, "Tiny Registry Ltd", rec.Registrar)
	assert.Equal(t, "2024-05-20", rec.CreatedDate)
	assert.Equal(t, "2025-05-20", rec.ExpirationDate)
	assert.Equal(t, []string{"ns1.example.zz", "ns2.example.zz"}, rec.NameServers)
	assert.Equal(t, []string{"hostmaster@example.zz"}, rec.Emails)
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"1995-08-14T04:00:00Z", time.Date(1995, 8, 14, 4, 0, 0, 0, time.UTC), true},
		{"2024-05-20", time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), true},
		{"2024-05-20 10:11:12", time.Date(2024, 5, 20, 10, 11, 12, 0, time.UTC), true},
		{"20-May-2024", time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), true},
		{"2024.05.20 (registry time)", time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), true},
		{"before 1996", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseDate(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %v", tt.in, got)
	}
}

func TestRegisteredDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"example.com", "example.com", true},
		{"Mail.Example.COM.", "example.com", true},
		{"www.example.co.uk", "example.co.uk", true},
		{"https://login.example.org/path?q=1", "example.org", true},
		{"localhost", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := registeredDomain(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestRunReportsRecord(t *testing.T) {
	calls := 0
	impl := New(plugins.Env{}, fakeLookup(verisignRecord, &calls))

	outcome, out, err := runJob(t, impl, `{"dataType":"fqdn","data":"www.example.com"}`)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, 1, calls)

	full := out["full"].(map[string]interface{})
	assert.Equal(t, "example.com", full["domain"])
	assert.Equal(t, "www.example.com", full["query"])
	assert.Equal(t, "Example Registrar, Inc.", full["registrar"])

	taxonomies := out["summary"].(map[string]interface{})["taxonomies"].([]interface{})
	require.Len(t, taxonomies, 2)
	registrar := taxonomies[0].(map[string]interface{})
	assert.Equal(t, "Registrar", registrar["predicate"])
	age := taxonomies[1].(map[string]interface{})
	assert.Equal(t, "Age", age["predicate"])
	assert.Equal(t, "info", age["level"])

	assert.Empty(t, out["operations"])

	var found []string
	for _, a := range out["artifacts"].([]interface{}) {
		art := a.(map[string]interface{})
		found = append(found, art["dataType"].(string)+":"+art["data"].(string))
	}
	assert.Contains(t, found, "mail:abuse@example-registrar.com")
}

func TestRunFlagsYoungDomain(t *testing.T) {
	raw := strings.Replace(verisignRecord, "1995-08-14T04:00:00Z", "2024-05-25T00:00:00Z", 1)
	calls := 0
	impl := New(plugins.Env{}, fakeLookup(raw, &calls))

	_, out, err := runJob(t, impl, `{"dataType":"domain","data":"example.com","config":{"young_domain_days":14}}`)
	require.NoError(t, err)

	taxonomies := out["summary"].(map[string]interface{})["taxonomies"].([]interface{})
	age := taxonomies[1].(map[string]interface{})
	assert.Equal(t, "suspicious", age["level"])
	assert.Equal(t, "7 days", age["value"])

	ops := out["operations"].([]interface{})
	require.Len(t, ops, 1)
	assert.Equal(t, map[string]interface{}{"type": "AddTagToArtifact", "tag": "whois:young-domain"}, ops[0])
}

func TestRunUsesCache(t *testing.T) {
	env := plugins.Env{}.WithDefaults()
	calls := 0

	for i := 0; i < 2; i++ {
		impl := New(env, fakeLookup(verisignRecord, &calls))
		_, _, err := runJob(t, impl, `{"dataType":"domain","data":"example.com"}`)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)
}

func TestRunNotRegistered(t *testing.T) {
	calls := 0
	impl := New(plugins.Env{}, fakeLookup("No match for \"FREE-DOMAIN.COM\".\n", &calls))

	_, out, err := runJob(t, impl, `{"dataType":"domain","data":"free-domain.com"}`)
	require.NoError(t, err)

	taxonomies := out["summary"].(map[string]interface{})["taxonomies"].([]interface{})
	require.Len(t, taxonomies, 1)
	assert.Equal(t, "not registered", taxonomies[0].(map[string]interface{})["value"])
}

func TestRunLookupFailure(t *testing.T) {
	calls := 0
	impl := New(plugins.Env{}, func(ctx context.Context, domain, server string, timeout time.Duration) (string, error) {
		calls++
		assert.Equal(t, "whois.example.net", server)
		return "", errors.New("connection refused")
	})

	outcome, out, err := runJob(t, impl, `{"dataType":"domain","data":"example.com","config":{"retries":2,"server":"whois.example.net"}}`)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Whois lookup failed for example.com: connection refused", outcome.ErrorMessage)
}

func TestRunInvalidDomain(t *testing.T) {
	calls := 0
	impl := New(plugins.Env{}, fakeLookup(verisignRecord, &calls))

	outcome, _, err := runJob(t, impl, `{"dataType":"domain","data":"intranet"}`)
	require.Error(t, err)
	assert.Equal(t, "Invalid domain: intranet", outcome.ErrorMessage)
	assert.Zero(t, calls)
}
