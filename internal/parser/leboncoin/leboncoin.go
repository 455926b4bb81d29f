package leboncoin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/PuerkitoBio/goquery"

	"listing_watcher/internal/domain"
	"listing_watcher/internal/parser"
)

const (
	Site    = "leboncoin"
	baseURL = "https://www.leboncoin.fr/cl/ventes_immobilieres/"

	publicationLayout = "2006-01-02 15:04:05"
)

var paris = mustLoad("Europe/Paris")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Parser struct{}

func New() *Parser {
	return &Parser{}
}

func (p *Parser) Site() string {
	return Site
}

// TargetURL follows the site's city search pattern:
// cp_<City-Name-without-accents>_<zipcode>.
func (p *Parser) TargetURL(city domain.City) (string, error) {
	name := strings.TrimSpace(city.Name)
	zip := strings.TrimSpace(city.Zipcode)
	if name == "" || zip == "" {
		return "", &domain.ConfigError{Msg: fmt.Sprintf("city %s: name and zipcode are required", city.InseeCode)}
	}
	name = strings.ReplaceAll(parser.StripAccents(name), " ", "-")
	return baseURL + "cp_" + name + "_" + zip, nil
}

func (p *Parser) PageURL(base string, page int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", &domain.ConfigError{Msg: "bad target url", Err: err}
	}
	if page > 1 {
		q := u.Query()
		q.Set("page", strconv.Itoa(page))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type nextData struct {
	Props struct {
		PageProps struct {
			SearchData *struct {
				Ads []json.RawMessage `json:"ads"`
			} `json:"searchData"`
		} `json:"pageProps"`
	} `json:"props"`
}

var errNoNextData = errors.New("no __NEXT_DATA__ script")

func (p *Parser) ExtractPage(body []byte) (*parser.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	if doc.Find(`div[data-test-id="noResult"]`).Length() > 0 {
		return &parser.Page{NoResult: true}, nil
	}

	script := doc.Find("script#__NEXT_DATA__").First()
	if script.Length() == 0 {
		return nil, errNoNextData
	}

	var data nextData
	if err := json.Unmarshal([]byte(script.Text()), &data); err != nil {
		return nil, fmt.Errorf("decode __NEXT_DATA__: %w", err)
	}
	if data.Props.PageProps.SearchData == nil {
		return nil, errors.New("__NEXT_DATA__ has no searchData")
	}

	return &parser.Page{Ads: data.Props.PageProps.SearchData.Ads}, nil
}

type attribute struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	ValueLabel string `json:"value_label"`
}

type ad struct {
	ListID               flexString      `json:"list_id"`
	FirstPublicationDate string          `json:"first_publication_date"`
	Subject              string          `json:"subject"`
	Body                 string          `json:"body"`
	URL                  string          `json:"url"`
	Price                json.RawMessage `json:"price"`
	Location             struct {
		Lat     *float64   `json:"lat"`
		Lng     *float64   `json:"lng"`
		City    string     `json:"city"`
		Zipcode flexString `json:"zipcode"`
		Address string     `json:"address"`
	} `json:"location"`
	Owner struct {
		Type string `json:"type"`
	} `json:"owner"`
	Attributes []attribute `json:"attributes"`
	Images     struct {
		URLsLarge []string `json:"urls_large"`
	} `json:"images"`
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

var propertyTypes = map[string]domain.PropertyType{
	"Appartement": domain.PropertyApartment,
	"Maison":      domain.PropertyHouse,
	"Autre":       domain.PropertyOther,
	"Parking":     domain.PropertyParking,
	"Terrain":     domain.PropertyLand,
}

func (p *Parser) ToCanonical(raw json.RawMessage, target domain.Target) (domain.Listing, error) {
	var a ad
	if err := json.Unmarshal(raw, &a); err != nil {
		return domain.Listing{}, fmt.Errorf("decode ad: %w", err)
	}

	price, err := parsePrice(a.Price)
	if err != nil {
		return domain.Listing{}, err
	}

	attrs := make(map[string]attribute, len(a.Attributes))
	for _, at := range a.Attributes {
		attrs[at.Key] = at
	}

	l := domain.Listing{
		Site:         Site,
		ExternalID:   string(a.ListID),
		InseeCode:    target.InseeCode,
		Title:        strings.TrimSpace(a.Subject),
		Description:  optString(a.Body),
		URL:          a.URL,
		Price:        price,
		OldPrice:     attrFloat(attrs, "old_price"),
		Status:       domain.StatusActive,
		OwnerType:    ownerType(a.Owner.Type),
		PropertyType: propertyType(attrs["real_estate_type"].ValueLabel),
		ImmoSellType: optString(attrs["immo_sell_type"].ValueLabel),

		Surface:     attrFloat(attrs, "square"),
		LandSurface: attrFloat(attrs, "land_plot_surface"),
		Rooms:       attrInt(attrs, "rooms"),
		Bedrooms:    attrInt(attrs, "bedrooms"),
		Bathrooms:   attrInt(attrs, "bathrooms"),

		EnergyRate: energyLetter(attrs, "energy_rate"),
		GES:        energyLetter(attrs, "ges"),

		Latitude:  a.Location.Lat,
		Longitude: a.Location.Lng,
		City:      optString(a.Location.City),
		Zipcode:   optInt(string(a.Location.Zipcode)),
		Address:   optString(a.Location.Address),

		Amenities: domain.Amenities{
			Parking:       attrBool(attrs, "parking"),
			Cellar:        attrBool(attrs, "cellar"),
			SwimmingPool:  attrBool(attrs, "swimming_pool"),
			Elevator:      attrBool(attrs, "elevator"),
			FAIIncluded:   attrBool(attrs, "fai_included"),
			Equipments:    optString(attrs["equipments"].ValueLabel),
			OutsideAccess: optString(attrs["outside_access"].ValueLabel),
		},

		FloorNumber:      attrInt(attrs, "floor_number"),
		NbFloorsBuilding: attrInt(attrs, "nb_floors_building"),
		BuildingYear:     attrInt(attrs, "building_year"),
		AnnualCharges:    attrFloat(attrs, "annual_charges"),

		Images: a.Images.URLsLarge,
	}

	if l.ExternalID == "" {
		l.ExternalID = domain.FallbackExternalID(l.URL)
	}
	if a.FirstPublicationDate != "" {
		if t, err := time.ParseInLocation(publicationLayout, a.FirstPublicationDate, paris); err == nil {
			l.PublicationDate = t
		}
	}

	return l, nil
}

// parsePrice accepts the list form the site uses as well as a bare number.
func parsePrice(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("ad has no price")
	}
	var list []float64
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return 0, errors.New("ad has no price")
		}
		return list[0], nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v := parseNumber(s); v != nil {
			return *v, nil
		}
	}
	return 0, fmt.Errorf("unreadable price %s", raw)
}

func ownerType(v string) domain.OwnerType {
	if v == "pro" {
		return domain.OwnerProfessional
	}
	return domain.OwnerPrivate
}

func propertyType(label string) domain.PropertyType {
	if t, ok := propertyTypes[label]; ok {
		return t
	}
	return domain.PropertyOther
}

var numberRe = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)

// parseNumber reads the first number of a label such as "92 m²" or
// "1 250,50 €". Spaces inside the number are thousands separators.
func parseNumber(s string) *float64 {
	s = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "").Replace(s)
	m := numberRe.FindString(s)
	if m == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
	if err != nil {
		return nil
	}
	return &f
}

func attrFloat(attrs map[string]attribute, key string) *float64 {
	a, ok := attrs[key]
	if !ok {
		return nil
	}
	if v := parseNumber(a.Value); v != nil {
		return v
	}
	return parseNumber(a.ValueLabel)
}

func attrInt(attrs map[string]attribute, key string) *int {
	f := attrFloat(attrs, key)
	if f == nil {
		return nil
	}
	i := int(*f)
	return &i
}

func attrBool(attrs map[string]attribute, key string) bool {
	a, ok := attrs[key]
	if !ok {
		return false
	}
	for _, v := range []string{a.Value, a.ValueLabel} {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "oui", "yes":
			return true
		}
	}
	return false
}

// energyLetter keeps a rating only when it is a single A..G letter.
func energyLetter(attrs map[string]attribute, key string) *string {
	a, ok := attrs[key]
	if !ok {
		return nil
	}
	v := a.ValueLabel
	if v == "" {
		v = a.Value
	}
	v = strings.ToUpper(strings.TrimSpace(v))
	if len(v) != 1 || v[0] < 'A' || v[0] > 'G' {
		return nil
	}
	return &v
}

func optString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func optInt(s string) *int {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &i
}
