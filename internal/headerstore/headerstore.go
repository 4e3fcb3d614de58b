// Package headerstore persists the proxy URL → header-set mapping, loaded
// once at startup and treated as authoritative. The on-disk form is a
// single JSON document rather than a URL-per-line list because a
// header-set, unlike a bare proxy URL, is itself a map and needs a
// self-describing container.
package headerstore

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/drsoft-oss/webber/internal/proxy"
)

// Entry is one on-disk record: a proxy URL plus its ordered header set.
// Headers are stored as an ordered slice (not a bare map) because Go map
// iteration order is not insertion order, and header-sets must round-trip
// their order end to end.
type Entry struct {
	URL     string       `json:"url"`
	Headers []HeaderPair `json:"headers"`
}

// HeaderPair is one (name, value) pair, serialised in insertion order.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// document is the on-disk container: a list of Entry records. A list rather
// than a map keyed by URL keeps header-set order independent of JSON object
// key ordering, which encoding/json does not guarantee on decode.
type document struct {
	Proxies []Entry `json:"proxies"`
}

// Load reads a header-store file and returns the Proxies it describes.
// Individual malformed entries are skipped with a warning to stderr rather
// than failing the whole load.
func Load(path string) ([]*proxy.Proxy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("headerstore: read %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("headerstore: parse %s: %w", path, err)
	}

	proxies := make([]*proxy.Proxy, 0, len(doc.Proxies))
	for i, e := range doc.Proxies {
		hs := make(proxy.HeaderSet, len(e.Headers))
		for j, h := range e.Headers {
			hs[j] = proxy.HeaderEntry{Name: h.Name, Value: h.Value}
		}
		px, err := proxy.New(int64(i+1), e.URL, hs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "headerstore: warn: skip invalid proxy %q: %v\n", e.URL, err)
			continue
		}
		proxies = append(proxies, px)
	}
	if len(proxies) == 0 {
		return nil, fmt.Errorf("headerstore: %s contains no valid proxy entries", path)
	}
	return proxies, nil
}

// Save writes proxies to path as the JSON document Load reads back. An empty
// header-set round-trips as an empty (not null) "headers" array.
func Save(path string, proxies []*proxy.Proxy) error {
	doc := document{Proxies: make([]Entry, len(proxies))}
	for i, px := range proxies {
		hs := px.HeaderSet()
		headers := make([]HeaderPair, len(hs))
		for j, h := range hs {
			headers[j] = HeaderPair{Name: h.Name, Value: h.Value}
		}
		doc.Proxies[i] = Entry{URL: px.Key(), Headers: headers}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("headerstore: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("headerstore: write %s: %w", path, err)
	}
	return nil
}
