package parser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing_watcher/internal/domain"
)

type stubParser struct{ site string }

func (s stubParser) Site() string {
	return s.site
}

func (stubParser) TargetURL(domain.City) (string, error) {
	return "", nil
}

func (stubParser) PageURL(base string, _ int) (string, error) {
	return base, nil
}

func (stubParser) ExtractPage([]byte) (*Page, error) {
	return &Page{}, nil
}

func (stubParser) ToCanonical(json.RawMessage, domain.Target) (domain.Listing, error) {
	return domain.Listing{}, nil
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(stubParser{"pap"}, stubParser{"leboncoin"})

	p, err := r.Get("pap")
	require.NoError(t, err)
	assert.Equal(t, "pap", p.Site())
	assert.Equal(t, []string{"leboncoin", "pap"}, r.Sites())

	_, err = r.Get("seloger")
	var ce *domain.ConfigError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.JobFailedPermanent, domain.OutcomeFor(err))
}

func TestStripAccents(t *testing.T) {
	cases := map[string]string{
		"Évry-Courcouronnes":   "Evry-Courcouronnes",
		"Saint-Étienne":        "Saint-Etienne",
		"L'Haÿ-les-Roses":      "L'Hay-les-Roses",
		"Cœuvres-et-Valsery":   "Coeuvres-et-Valsery",
		"Morsang-sur-Orge":     "Morsang-sur-Orge",
		"Châlons-en-Champagne": "Chalons-en-Champagne",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripAccents(in), in)
	}
}
