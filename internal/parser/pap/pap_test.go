package pap

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing_watcher/internal/domain"
	"listing_watcher/testdata/utils"
)

var target = domain.Target{Site: Site, InseeCode: "91434", Zipcode: "91390", CityName: "Morsang-sur-Orge"}

func TestTargetAndPageURL(t *testing.T) {
	p := New()

	u, err := p.TargetURL(domain.City{InseeCode: "94038", Zipcode: "94240", Name: "L'Haÿ-les-Roses"})
	require.NoError(t, err)
	assert.Equal(t, "https://www.pap.fr/annonce/vente-immobiliere-l-hay-les-roses-94240", u)

	second, err := p.PageURL(u, 2)
	require.NoError(t, err)
	assert.Equal(t, u+"-2", second)

	first, err := p.PageURL(u, 1)
	require.NoError(t, err)
	assert.Equal(t, u, first)
}

func TestExtractAndCanonical(t *testing.T) {
	body, err := os.ReadFile("testdata/search_page.html")
	require.NoError(t, err)

	p := New()
	page, err := p.ExtractPage(body)
	require.NoError(t, err)
	require.Len(t, page.Ads, 2)

	house, err := p.ToCanonical(page.Ads[0], target)
	require.NoError(t, err)
	assert.Equal(t, "423456789", house.ExternalID)
	assert.Equal(t, "https://www.pap.fr/annonces/maison-morsang-sur-orge-91390-r423456789", house.URL)
	assert.Equal(t, "Maison 5 pièces", house.Title)
	assert.Equal(t, 349000.0, house.Price)
	assert.Equal(t, domain.PropertyHouse, house.PropertyType)
	assert.Equal(t, domain.OwnerPrivate, house.OwnerType)
	assert.Equal(t, utils.Ptr(5), house.Rooms)
	assert.Equal(t, utils.Ptr(4), house.Bedrooms)
	assert.Equal(t, utils.Ptr(110.0), house.Surface)
	assert.Equal(t, utils.Ptr(420.0), house.LandSurface)
	assert.Equal(t, utils.Ptr("Morsang-sur-Orge"), house.City)
	assert.Equal(t, utils.Ptr(91390), house.Zipcode)
	assert.Equal(t, utils.Ptr("Maison familiale, proche gare."), house.Description)
	assert.Equal(t, []string{"https://cdn.pap.fr/photos/pap/p/1a.jpg", "https://cdn.pap.fr/photos/pap/p/1b.jpg"}, house.Images)
	assert.Equal(t, time.Date(2024, 4, 28, 0, 0, 0, 0, time.UTC), house.PublicationDate)
	// The worker stamps seen_at when it reads the page.
	house.SeenAt = time.Now()
	assert.NoError(t, domain.Validate(&house))

	flat, err := p.ToCanonical(page.Ads[1], target)
	require.NoError(t, err)
	assert.Equal(t, domain.FallbackExternalID(flat.URL), flat.ExternalID)
	assert.Equal(t, 189500.0, flat.Price)
	assert.Equal(t, domain.PropertyApartment, flat.PropertyType)
	assert.Equal(t, time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), flat.PublicationDate)
}

func TestExtractPage_NoResultAndMalformed(t *testing.T) {
	body, err := os.ReadFile("testdata/no_result.html")
	require.NoError(t, err)

	page, err := New().ExtractPage(body)
	require.NoError(t, err)
	assert.True(t, page.NoResult)

	_, err = New().ExtractPage([]byte(`<html><body>Service indisponible</body></html>`))
	assert.Error(t, err)
}
