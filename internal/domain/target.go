package domain

import "time"

// TargetKey identifies one (site, city) scraping unit.
type TargetKey struct {
	Site      string `json:"site" db:"site"`
	InseeCode string `json:"insee_code" db:"insee_code"`
}

func (k TargetKey) String() string {
	return k.Site + "/" + k.InseeCode
}

type Target struct {
	Site      string `json:"site" db:"site"`
	InseeCode string `json:"insee_code" db:"insee_code"`
	Zipcode   string `json:"zipcode" db:"zipcode"`
	CityName  string `json:"city_name" db:"city_name"`
	URL       string `json:"url" db:"url"`

	FlaggedAt  *time.Time `json:"-" db:"flagged_at"`
	FlagReason *string    `json:"-" db:"flag_reason"`
}

func (t Target) Key() TargetKey {
	return TargetKey{Site: t.Site, InseeCode: t.InseeCode}
}

type City struct {
	InseeCode string `db:"insee_code"`
	Zipcode   string `db:"zipcode"`
	Name      string `db:"city_name"`
}
