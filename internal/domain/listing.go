package domain

import (
	"hash/fnv"
	"strconv"
	"time"
)

type ListingStatus string

const (
	StatusActive   ListingStatus = "active"
	StatusInactive ListingStatus = "inactive"
)

type OwnerType string

const (
	OwnerProfessional OwnerType = "professional"
	OwnerPrivate      OwnerType = "private"
)

type PropertyType string

const (
	PropertyApartment PropertyType = "apartment"
	PropertyHouse     PropertyType = "house"
	PropertyOther     PropertyType = "other"
	PropertyParking   PropertyType = "parking"
	PropertyLand      PropertyType = "land"
)

// ListingKey is the natural key of a listing: external ids are only unique
// within one site.
type ListingKey struct {
	Site       string `json:"site"`
	ExternalID string `json:"external_id"`
}

func (k ListingKey) String() string {
	return k.Site + ":" + k.ExternalID
}

// SurrogateID derives the storage id from the natural key.
func (k ListingKey) SurrogateID() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.String()))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// Listing is the canonical record every site parser produces.
type Listing struct {
	Site            string        `json:"site"`
	ExternalID      string        `json:"external_id"`
	InseeCode       string        `json:"insee_code"`
	Title           string        `json:"title"`
	Description     *string       `json:"description,omitempty"`
	URL             string        `json:"url"`
	PublicationDate time.Time     `json:"publication_date"`
	Price           float64       `json:"price"`
	OldPrice        *float64      `json:"old_price,omitempty"`
	Status          ListingStatus `json:"status"`
	OwnerType       OwnerType     `json:"owner_type"`
	PropertyType    PropertyType  `json:"property_type"`
	ImmoSellType    *string       `json:"immo_sell_type,omitempty"`

	Surface     *float64 `json:"surface,omitempty"`
	LandSurface *float64 `json:"land_surface,omitempty"`
	Rooms       *int     `json:"rooms,omitempty"`
	Bedrooms    *int     `json:"bedrooms,omitempty"`
	Bathrooms   *int     `json:"bathrooms,omitempty"`

	EnergyRate *string `json:"energy_rate,omitempty"`
	GES        *string `json:"ges,omitempty"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	City      *string  `json:"city,omitempty"`
	Zipcode   *int     `json:"zipcode,omitempty"`
	Address   *string  `json:"address,omitempty"`

	Amenities Amenities `json:"amenities"`

	FloorNumber      *int     `json:"floor_number,omitempty"`
	NbFloorsBuilding *int     `json:"nb_floors_building,omitempty"`
	BuildingYear     *int     `json:"building_year,omitempty"`
	AnnualCharges    *float64 `json:"annual_charges,omitempty"`

	Images []string `json:"images"`

	// SeenAt is when the page carrying the record was fetched.
	SeenAt time.Time `json:"seen_at"`
}

type Amenities struct {
	Parking       bool    `json:"parking"`
	Cellar        bool    `json:"cellar"`
	SwimmingPool  bool    `json:"swimming_pool"`
	Elevator      bool    `json:"elevator"`
	FAIIncluded   bool    `json:"fai_included"`
	Equipments    *string `json:"equipments,omitempty"`
	OutsideAccess *string `json:"outside_access,omitempty"`
}

func (l *Listing) Key() ListingKey {
	return ListingKey{Site: l.Site, ExternalID: l.ExternalID}
}

// PersistedListing is the current-state projection kept in storage.
type PersistedListing struct {
	ID int64
	Listing
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

type ChangeKind string

const (
	ChangeNew          ChangeKind = "new"
	ChangePriceChanged ChangeKind = "price_changed"
	ChangeUnchanged    ChangeKind = "unchanged"
	ChangeRelisted     ChangeKind = "relisted"
	ChangeRemoved      ChangeKind = "removed"
)

// HistoryEntry is one append-only row of a listing's history.
type HistoryEntry struct {
	ID         int64      `db:"id"`
	ListingID  int64      `db:"listing_id"`
	ChangeKind ChangeKind `db:"change_kind"`
	Price      float64    `db:"price"`
	OldPrice   *float64   `db:"old_price"`
	ObservedAt time.Time  `db:"observed_at"`
}

// RemovedListing is a row switched to inactive by a removal sweep.
type RemovedListing struct {
	ID         int64   `db:"id"`
	ExternalID string  `db:"external_id"`
	Price      float64 `db:"price"`
}

// FallbackExternalID builds a site-scoped id from the listing link when the
// page exposes no stable identifier.
func FallbackExternalID(url string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(url))
	return "u" + strconv.FormatUint(h.Sum64(), 36)
}
