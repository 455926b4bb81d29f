package parser

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"listing_watcher/internal/domain"
)

// Page is one result page reduced to its raw ad blobs.
type Page struct {
	Ads []json.RawMessage
	// NoResult is set when the site explicitly reports an empty search.
	NoResult bool
}

// Parser is the site-specific part of a scrape.
type Parser interface {
	Site() string
	// TargetURL builds the first search page for a city.
	TargetURL(city domain.City) (string, error)
	PageURL(base string, page int) (string, error)
	ExtractPage(body []byte) (*Page, error)
	// ToCanonical maps one raw ad to the canonical record. SeenAt is left
	// to the caller.
	ToCanonical(raw json.RawMessage, target domain.Target) (domain.Listing, error)
}

type Registry struct {
	parsers map[string]Parser
}

func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{parsers: make(map[string]Parser, len(parsers))}
	for _, p := range parsers {
		r.parsers[p.Site()] = p
	}
	return r
}

// Get returns the parser for site. An unknown site is a configuration
// problem, never retried.
func (r *Registry) Get(site string) (Parser, error) {
	p, ok := r.parsers[site]
	if !ok {
		return nil, &domain.ConfigError{Msg: fmt.Sprintf("no parser for site %q", site)}
	}
	return p, nil
}

func (r *Registry) Sites() []string {
	sites := make([]string, 0, len(r.parsers))
	for s := range r.parsers {
		sites = append(sites, s)
	}
	sort.Strings(sites)
	return sites
}

var ligatures = strings.NewReplacer("œ", "oe", "Œ", "Oe", "æ", "ae", "Æ", "Ae", "ß", "ss")

// StripAccents folds a city name to plain ASCII letters, keeping case and
// punctuation.
func StripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, ligatures.Replace(s))
	if err != nil {
		return s
	}
	return out
}
