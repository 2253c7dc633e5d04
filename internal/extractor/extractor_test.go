package extractor

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckString(t *testing.T) {
	e := New("")

	tests := []struct {
		in   string
		want string
	}{
		{"8.8.8.8", TypeIP},
		{"2001:db8::1", TypeIP},
		{"fe80::1ff:fe23:4567:890a", TypeIP},
		{"https://evil.example.com/payload.exe?x=1", TypeURL},
		{"hxxp://defanged.example/path", TypeURL},
		{"alice@example.com", TypeMail},
		{"d41d8cd98f00b204e9800998ecf8427e", TypeHash},
		{"da39a3ee5e6b4b0d3255bfef95601890afd80709", TypeHash},
		{"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", TypeHash},
		{"example.com", TypeDomain},
		{"www.example.com", TypeFQDN},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64)", TypeUserAgent},
		{`HKEY_LOCAL_MACHINE\Software\Microsoft\Windows\CurrentVersion\Run`, TypeRegistry},
		{"  8.8.4.4  ", TypeIP},

		{"", ""},
		{"hello world", ""},
		{"256.1.1.1", ""},
		{"invoice.pdf", ""},
		{"contacted 8.8.8.8", ""},
		{"12:30:45", ""},
		{"1.2.3.4.5", ""},
		{"d41d8cd98f00b204e9800998ecf8427e00", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, e.CheckString(tt.in))
		})
	}
}

func TestCheckIterableEmbedded(t *testing.T) {
	e := New("")
	got := e.CheckIterable("beacon to https://c2.example.net/gate.php from 10.0.0.5, owner admin@corp.example.org")

	want := []Observable{
		{DataType: TypeURL, Data: "https://c2.example.net/gate.php"},
		{DataType: TypeIP, Data: "10.0.0.5"},
		{DataType: TypeMail, Data: "admin@corp.example.org"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CheckIterable mismatch (-want +got):\n%s", diff)
	}

	for _, text := range []string{"reached 2001:db8::1.", "reached 2001:db8::1. Then left", "reached 2001:db8::1, then left"} {
		got = e.CheckIterable(text)
		assert.Equal(t, []Observable{{DataType: TypeIP, Data: "2001:db8::1"}}, got, text)
	}
	assert.Empty(t, e.CheckIterable("mapped ::ffff:1.2.3.4.5 version"))
}

func TestCheckIterableIgnore(t *testing.T) {
	e := New("evil.example")
	got := e.CheckIterable(map[string]interface{}{
		"text":  "contacted 8.8.8.8 and evil.example",
		"input": "evil.example",
	})

	assert.Contains(t, got, Observable{DataType: TypeIP, Data: "8.8.8.8"})
	for _, obs := range got {
		assert.NotEqual(t, "evil.example", obs.Data)
	}
}

func TestCheckIterableNested(t *testing.T) {
	var raw interface{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"results": [
			{"ip": "1.1.1.1", "score": 10, "tags": ["dns", "cloudflare"]},
			{"ip": "9.9.9.9", "resolved": null, "malicious": false}
		],
		"meta": {"hash": "d41d8cd98f00b204e9800998ecf8427e", "fetched": "2024-01-02T03:04:05Z"},
		"1.2.3.4": "keys are not scanned"
	}`), &raw))

	got := New("").CheckIterable(raw)
	want := []Observable{
		{DataType: TypeHash, Data: "d41d8cd98f00b204e9800998ecf8427e"},
		{DataType: TypeIP, Data: "1.1.1.1"},
		{DataType: TypeIP, Data: "9.9.9.9"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CheckIterable mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckIterableDeduplicates(t *testing.T) {
	got := New("").CheckIterable([]interface{}{"8.8.8.8", []string{"8.8.8.8", "dns 8.8.8.8"}, "8.8.4.4"})
	want := []Observable{
		{DataType: TypeIP, Data: "8.8.8.8"},
		{DataType: TypeIP, Data: "8.8.4.4"},
	}
	assert.Equal(t, want, got)
}

func TestCheckIterableDeterministic(t *testing.T) {
	raw := map[string]interface{}{}
	for _, k := range []string{"z", "a", "m", "q", "b", "x"} {
		raw[k] = map[string]string{"v": k + ".example.com", "w": "10.0.0." + string(rune('1'+len(k)))}
	}

	e := New("")
	first := e.CheckIterable(raw)
	for i := 0; i < 20; i++ {
		if diff := cmp.Diff(first, e.CheckIterable(raw)); diff != "" {
			t.Fatalf("run %d differs (-first +got):\n%s", i, diff)
		}
	}
	assert.Equal(t, "a.example.com", first[0].Data)
}

func TestCheckIterableStructs(t *testing.T) {
	type hop struct {
		Addr    string
		private string
	}
	type trace struct {
		Target string
		Hops   []hop
		Raw    []byte
		Next   *trace
	}

	got := New("").CheckIterable(trace{
		Target: "www.example.com",
		Hops:   []hop{{Addr: "192.0.2.1", private: "198.51.100.1"}},
		Raw:    []byte("203.0.113.9"),
		Next:   &trace{Target: "example.org"},
	})

	want := []Observable{
		{DataType: TypeFQDN, Data: "www.example.com"},
		{DataType: TypeIP, Data: "192.0.2.1"},
		{DataType: TypeDomain, Data: "example.org"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CheckIterable mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckIterableCycles(t *testing.T) {
	m := map[string]interface{}{"ip": "8.8.8.8"}
	m["self"] = m
	m["again"] = m

	list := []interface{}{"1.1.1.1", nil}
	list[1] = list

	got := New("").CheckIterable([]interface{}{m, list})
	assert.ElementsMatch(t, []Observable{
		{DataType: TypeIP, Data: "8.8.8.8"},
		{DataType: TypeIP, Data: "1.1.1.1"},
	}, got)
}

func TestCheckIterableMaxDepth(t *testing.T) {
	var nested interface{} = "8.8.8.8"
	for i := 0; i < 10; i++ {
		nested = []interface{}{nested}
	}

	assert.Empty(t, New("", WithMaxDepth(5)).CheckIterable(nested))
	assert.Len(t, New("", WithMaxDepth(20)).CheckIterable(nested), 1)
}

func TestCheckIterableScalarsAndNil(t *testing.T) {
	e := New("")
	assert.NotNil(t, e.CheckIterable(nil))
	assert.Empty(t, e.CheckIterable(nil))
	assert.Empty(t, e.CheckIterable(42))
	assert.Empty(t, e.CheckIterable([]interface{}{true, 3.14, nil, map[string]interface{}{}}))
}

func TestDomainHeuristics(t *testing.T) {
	got := New("").CheckIterable([]string{
		"dropped payload.exe and notes.txt",
		"see std::vector and 10:20:30",
		"C:\\Users\\bob\\evil.example",
		"v1.2.3.4.5 release",
		"mail bob@example.com",
	})
	assert.Equal(t, []Observable{{DataType: TypeMail, Data: "bob@example.com"}}, got)
}
