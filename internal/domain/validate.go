package domain

import (
	"math"
	"regexp"
)

var energyLetter = regexp.MustCompile(`^[A-G]$`)

// Validate checks the invariants storage relies on and normalizes the price
// to cents. A nil return means the record can be reconciled.
func Validate(l *Listing) error {
	var problems []string

	if l.Site == "" {
		problems = append(problems, "missing site")
	}
	if l.ExternalID == "" {
		problems = append(problems, "missing external_id")
	}
	if len(l.InseeCode) != 5 {
		problems = append(problems, "invalid insee_code")
	}
	if l.Title == "" || len([]rune(l.Title)) > 100 {
		problems = append(problems, "invalid or missing title")
	}
	if l.URL == "" || len(l.URL) > 255 {
		problems = append(problems, "invalid or missing url")
	}
	if l.PublicationDate.IsZero() {
		problems = append(problems, "missing publication_date")
	}
	if l.SeenAt.IsZero() {
		problems = append(problems, "missing seen_at")
	}
	if l.Price < 0 || math.IsNaN(l.Price) || math.IsInf(l.Price, 0) {
		problems = append(problems, "invalid price")
	}
	if l.OldPrice != nil && *l.OldPrice < 0 {
		problems = append(problems, "invalid old_price")
	}
	if l.Status != StatusActive && l.Status != StatusInactive {
		problems = append(problems, "invalid status")
	}
	if l.OwnerType != OwnerProfessional && l.OwnerType != OwnerPrivate {
		problems = append(problems, "invalid owner_type")
	}
	switch l.PropertyType {
	case PropertyApartment, PropertyHouse, PropertyOther, PropertyParking, PropertyLand:
	default:
		problems = append(problems, "invalid property_type")
	}
	if l.EnergyRate != nil && !energyLetter.MatchString(*l.EnergyRate) {
		problems = append(problems, "invalid energy_rate")
	}
	if l.GES != nil && !energyLetter.MatchString(*l.GES) {
		problems = append(problems, "invalid ges")
	}
	if l.AnnualCharges != nil && *l.AnnualCharges < 0 {
		problems = append(problems, "invalid annual_charges")
	}
	if l.Zipcode != nil && (*l.Zipcode < 10000 || *l.Zipcode > 99999) {
		problems = append(problems, "invalid zipcode")
	}
	if l.City != nil && len([]rune(*l.City)) > 100 {
		problems = append(problems, "invalid city")
	}
	if l.ImmoSellType != nil && len(*l.ImmoSellType) > 20 {
		problems = append(problems, "invalid immo_sell_type")
	}
	if l.Amenities.OutsideAccess != nil && len(*l.Amenities.OutsideAccess) > 50 {
		problems = append(problems, "invalid outside_access")
	}
	if len(l.Images) == 0 {
		problems = append(problems, "missing images")
	}
	for _, u := range l.Images {
		if u == "" || len(u) > 255 {
			problems = append(problems, "invalid image url")
			break
		}
	}

	if len(problems) > 0 {
		return &ValidationError{ExternalID: l.ExternalID, Problems: problems}
	}

	l.Price = math.Round(l.Price*100) / 100
	return nil
}
