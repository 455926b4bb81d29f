package pap

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

	"github.com/PuerkitoBio/goquery"

	"listing_watcher/internal/domain"
	"listing_watcher/internal/parser"
)

const (
	Site    = "pap"
	siteURL = "https://www.pap.fr"
)

type Parser struct{}

func New() *Parser {
	return &Parser{}
}

func (p *Parser) Site() string {
	return Site
}

var slugJunk = regexp.MustCompile(`[^a-z0-9]+`)

func slug(name string) string {
	s := strings.ToLower(parser.StripAccents(strings.TrimSpace(name)))
	return strings.Trim(slugJunk.ReplaceAllString(s, "-"), "-")
}

func (p *Parser) TargetURL(city domain.City) (string, error) {
	s := slug(city.Name)
	zip := strings.TrimSpace(city.Zipcode)
	if s == "" || zip == "" {
		return "", &domain.ConfigError{Msg: fmt.Sprintf("city %s: name and zipcode are required", city.InseeCode)}
	}
	return siteURL + "/annonce/vente-immobiliere-" + s + "-" + zip, nil
}

// PageURL appends the page number to the path, the way the site paginates.
func (p *Parser) PageURL(base string, page int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", &domain.ConfigError{Msg: "bad target url", Err: err}
	}
	if page > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/") + "-" + strconv.Itoa(page)
	}
	return u.String(), nil
}

// card is the raw shape of one search result, as read off the page.
type card struct {
	Href        string   `json:"href"`
	Title       string   `json:"title"`
	Price       string   `json:"price"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
	Date        string   `json:"date"`
	Location    string   `json:"location"`
	Images      []string `json:"images"`
}

func (p *Parser) ExtractPage(body []byte) (*parser.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	if doc.Find("div.search-no-result").Length() > 0 {
		return &parser.Page{NoResult: true}, nil
	}

	list := doc.Find("div.search-list")
	if list.Length() == 0 {
		return nil, errors.New("no search-list container")
	}

	page := &parser.Page{}
	var encErr error
	list.Find("div.search-list-item-alt").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		c := card{
			Href:        attr(s.Find("a.item-title"), "href"),
			Title:       clean(s.Find("a.item-title .h1").Text()),
			Price:       clean(s.Find(".item-price").Text()),
			Description: clean(s.Find("p.item-description").Text()),
			Date:        clean(s.Find(".item-date").Text()),
			Location:    clean(s.Find(".item-location").Text()),
		}
		s.Find("ul.item-tags li").Each(func(_ int, li *goquery.Selection) {
			if t := clean(li.Text()); t != "" {
				c.Tags = append(c.Tags, t)
			}
		})
		s.Find(".item-photo img").Each(func(_ int, img *goquery.Selection) {
			src := attr(img, "data-src")
			if src == "" {
				src = attr(img, "src")
			}
			if src != "" {
				c.Images = append(c.Images, src)
			}
		})

		raw, err := json.Marshal(c)
		if err != nil {
			encErr = err
			return false
		}
		page.Ads = append(page.Ads, raw)
		return true
	})
	if encErr != nil {
		return nil, encErr
	}

	return page, nil
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

var spaces = regexp.MustCompile(`\s+`)

func clean(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

var (
	idRe     = regexp.MustCompile(`-r(\d+)$`)
	zipRe    = regexp.MustCompile(`\((\d{5})\)`)
	digitsRe = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
)

var months = map[string]time.Month{
	"janvier": time.January, "février": time.February, "mars": time.March,
	"avril": time.April, "mai": time.May, "juin": time.June,
	"juillet": time.July, "août": time.August, "septembre": time.September,
	"octobre": time.October, "novembre": time.November, "décembre": time.December,
}

func (p *Parser) ToCanonical(raw json.RawMessage, target domain.Target) (domain.Listing, error) {
	var c card
	if err := json.Unmarshal(raw, &c); err != nil {
		return domain.Listing{}, fmt.Errorf("decode card: %w", err)
	}

	price, ok := parsePrice(c.Price)
	if !ok {
		return domain.Listing{}, fmt.Errorf("unreadable price %q", c.Price)
	}

	link := c.Href
	if strings.HasPrefix(link, "/") {
		link = siteURL + link
	}

	l := domain.Listing{
		Site:         Site,
		InseeCode:    target.InseeCode,
		Title:        c.Title,
		URL:          link,
		Price:        price,
		Status:       domain.StatusActive,
		OwnerType:    domain.OwnerPrivate,
		PropertyType: propertyType(c.Title),
		Images:       c.Images,
	}
	if c.Description != "" {
		l.Description = &c.Description
	}

	if m := idRe.FindStringSubmatch(strings.TrimSuffix(link, "/")); m != nil {
		l.ExternalID = m[1]
	} else {
		l.ExternalID = domain.FallbackExternalID(link)
	}

	for _, tag := range c.Tags {
		lower := strings.ToLower(tag)
		n := firstNumber(tag)
		if n == nil {
			continue
		}
		switch {
		case strings.Contains(lower, "pièce"):
			l.Rooms = intPtr(*n)
		case strings.Contains(lower, "chambre"):
			l.Bedrooms = intPtr(*n)
		case strings.Contains(lower, "m²") && strings.Contains(lower, "terrain"):
			l.LandSurface = n
		case strings.Contains(lower, "m²"):
			l.Surface = n
		}
	}

	if c.Location != "" {
		city := strings.TrimSpace(zipRe.ReplaceAllString(c.Location, ""))
		if city != "" {
			l.City = &city
		}
		if m := zipRe.FindStringSubmatch(c.Location); m != nil {
			if z, err := strconv.Atoi(m[1]); err == nil {
				l.Zipcode = &z
			}
		}
	}

	if t, ok := parseDate(c.Date); ok {
		l.PublicationDate = t
	}

	return l, nil
}

// parsePrice reads "349.000 €": dots and spaces are thousands separators.
func parsePrice(s string) (float64, bool) {
	s = strings.NewReplacer(".", "", " ", "", "\u00a0", "", "\u202f", "", "€", "").Replace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func firstNumber(s string) *float64 {
	m := digitsRe.FindString(strings.NewReplacer(" ", "", "\u00a0", "").Replace(s))
	if m == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
	if err != nil {
		return nil
	}
	return &f
}

func intPtr(f float64) *int {
	i := int(f)
	return &i
}

func propertyType(title string) domain.PropertyType {
	first, _, _ := strings.Cut(strings.ToLower(title), " ")
	switch first {
	case "appartement", "studio":
		return domain.PropertyApartment
	case "maison":
		return domain.PropertyHouse
	case "terrain":
		return domain.PropertyLand
	case "parking", "garage":
		return domain.PropertyParking
	}
	return domain.PropertyOther
}

// parseDate reads the French "28 avril 2024" form shown on result cards.
func parseDate(s string) (time.Time, bool) {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) < 3 {
		return time.Time{}, false
	}
	fields = fields[len(fields)-3:]
	day, err := strconv.Atoi(fields[0])
	if err != nil {
		return time.Time{}, false
	}
	month, ok := months[fields[1]]
	if !ok {
		return time.Time{}, false
	}
	year, err := strconv.Atoi(fields[2])
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), true
}
