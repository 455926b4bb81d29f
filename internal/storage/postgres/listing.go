package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"listing_watcher/internal/domain"
)

type ListingStore struct {
	db *sqlx.DB
}

func NewListingStore(db *sqlx.DB) *ListingStore {
	return &ListingStore{db: db}
}

// listingRow is the flat column layout of the listing table.
type listingRow struct {
	ID               int64     `db:"id"`
	Site             string    `db:"site"`
	ExternalID       string    `db:"external_id"`
	InseeCode        string    `db:"insee_code"`
	Title            string    `db:"title"`
	Description      *string   `db:"description"`
	URL              string    `db:"url"`
	PublicationDate  time.Time `db:"publication_date"`
	Price            float64   `db:"price"`
	OldPrice         *float64  `db:"old_price"`
	Status           string    `db:"status"`
	OwnerType        string    `db:"owner_type"`
	PropertyType     string    `db:"property_type"`
	ImmoSellType     *string   `db:"immo_sell_type"`
	Surface          *float64  `db:"surface"`
	LandSurface      *float64  `db:"land_surface"`
	Rooms            *int      `db:"rooms"`
	Bedrooms         *int      `db:"bedrooms"`
	Bathrooms        *int      `db:"bathrooms"`
	EnergyRate       *string   `db:"energy_rate"`
	GES              *string   `db:"ges"`
	Latitude         *float64  `db:"latitude"`
	Longitude        *float64  `db:"longitude"`
	City             *string   `db:"city"`
	Zipcode          *int      `db:"zipcode"`
	Address          *string   `db:"address"`
	Parking          bool      `db:"parking"`
	Cellar           bool      `db:"cellar"`
	SwimmingPool     bool      `db:"swimming_pool"`
	Elevator         bool      `db:"elevator"`
	FAIIncluded      bool      `db:"fai_included"`
	Equipments       *string   `db:"equipments"`
	OutsideAccess    *string   `db:"outside_access"`
	FloorNumber      *int      `db:"floor_number"`
	NbFloorsBuilding *int      `db:"nb_floors_building"`
	BuildingYear     *int      `db:"building_year"`
	AnnualCharges    *float64  `db:"annual_charges"`
	FirstSeenAt      time.Time `db:"first_seen_at"`
	LastSeenAt       time.Time `db:"last_seen_at"`
}

const listingColumns = `
	id, site, external_id, insee_code, title, description, url, publication_date,
	price, old_price, status, owner_type, property_type, immo_sell_type,
	surface, land_surface, rooms, bedrooms, bathrooms, energy_rate, ges,
	latitude, longitude, city, zipcode, address,
	parking, cellar, swimming_pool, elevator, fai_included, equipments, outside_access,
	floor_number, nb_floors_building, building_year, annual_charges,
	first_seen_at, last_seen_at`

func toRow(p *domain.PersistedListing) listingRow {
	l := p.Listing
	return listingRow{
		ID:               p.ID,
		Site:             l.Site,
		ExternalID:       l.ExternalID,
		InseeCode:        l.InseeCode,
		Title:            l.Title,
		Description:      l.Description,
		URL:              l.URL,
		PublicationDate:  l.PublicationDate,
		Price:            l.Price,
		OldPrice:         l.OldPrice,
		Status:           string(l.Status),
		OwnerType:        string(l.OwnerType),
		PropertyType:     string(l.PropertyType),
		ImmoSellType:     l.ImmoSellType,
		Surface:          l.Surface,
		LandSurface:      l.LandSurface,
		Rooms:            l.Rooms,
		Bedrooms:         l.Bedrooms,
		Bathrooms:        l.Bathrooms,
		EnergyRate:       l.EnergyRate,
		GES:              l.GES,
		Latitude:         l.Latitude,
		Longitude:        l.Longitude,
		City:             l.City,
		Zipcode:          l.Zipcode,
		Address:          l.Address,
		Parking:          l.Amenities.Parking,
		Cellar:           l.Amenities.Cellar,
		SwimmingPool:     l.Amenities.SwimmingPool,
		Elevator:         l.Amenities.Elevator,
		FAIIncluded:      l.Amenities.FAIIncluded,
		Equipments:       l.Amenities.Equipments,
		OutsideAccess:    l.Amenities.OutsideAccess,
		FloorNumber:      l.FloorNumber,
		NbFloorsBuilding: l.NbFloorsBuilding,
		BuildingYear:     l.BuildingYear,
		AnnualCharges:    l.AnnualCharges,
		FirstSeenAt:      p.FirstSeenAt,
		LastSeenAt:       p.LastSeenAt,
	}
}

func (r listingRow) toDomain() *domain.PersistedListing {
	return &domain.PersistedListing{
		ID: r.ID,
		Listing: domain.Listing{
			Site:            r.Site,
			ExternalID:      r.ExternalID,
			InseeCode:       r.InseeCode,
			Title:           r.Title,
			Description:     r.Description,
			URL:             r.URL,
			PublicationDate: r.PublicationDate,
			Price:           r.Price,
			OldPrice:        r.OldPrice,
			Status:          domain.ListingStatus(r.Status),
			OwnerType:       domain.OwnerType(r.OwnerType),
			PropertyType:    domain.PropertyType(r.PropertyType),
			ImmoSellType:    r.ImmoSellType,
			Surface:         r.Surface,
			LandSurface:     r.LandSurface,
			Rooms:           r.Rooms,
			Bedrooms:        r.Bedrooms,
			Bathrooms:       r.Bathrooms,
			EnergyRate:      r.EnergyRate,
			GES:             r.GES,
			Latitude:        r.Latitude,
			Longitude:       r.Longitude,
			City:            r.City,
			Zipcode:         r.Zipcode,
			Address:         r.Address,
			Amenities: domain.Amenities{
				Parking:       r.Parking,
				Cellar:        r.Cellar,
				SwimmingPool:  r.SwimmingPool,
				Elevator:      r.Elevator,
				FAIIncluded:   r.FAIIncluded,
				Equipments:    r.Equipments,
				OutsideAccess: r.OutsideAccess,
			},
			FloorNumber:      r.FloorNumber,
			NbFloorsBuilding: r.NbFloorsBuilding,
			BuildingYear:     r.BuildingYear,
			AnnualCharges:    r.AnnualCharges,
			SeenAt:           r.LastSeenAt,
		},
		FirstSeenAt: r.FirstSeenAt,
		LastSeenAt:  r.LastSeenAt,
	}
}

// LockByKeys loads the rows for the given external ids of one site and locks
// them until the surrounding transaction ends. Missing ids are absent from
// the result.
func (s *ListingStore) LockByKeys(ctx context.Context, site string, externalIDs []string) (map[string]*domain.PersistedListing, error) {
	result := make(map[string]*domain.PersistedListing, len(externalIDs))
	if len(externalIDs) == 0 {
		return result, nil
	}

	query := `SELECT ` + listingColumns + `
		FROM listing
		WHERE site = $1 AND external_id = ANY($2)
		ORDER BY id
		FOR UPDATE`

	var rows []listingRow
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows, query, site, pq.Array(externalIDs)); err != nil {
		return nil, err
	}

	for _, r := range rows {
		result[r.ExternalID] = r.toDomain()
	}
	return result, nil
}

func (s *ListingStore) Get(ctx context.Context, key domain.ListingKey) (*domain.PersistedListing, error) {
	query := `SELECT ` + listingColumns + ` FROM listing WHERE site = $1 AND external_id = $2`

	var row listingRow
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &row, query, key.Site, key.ExternalID)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

func (s *ListingStore) Insert(ctx context.Context, p *domain.PersistedListing) error {
	query := `INSERT INTO listing (` + listingColumns + `) VALUES (
		:id, :site, :external_id, :insee_code, :title, :description, :url, :publication_date,
		:price, :old_price, :status, :owner_type, :property_type, :immo_sell_type,
		:surface, :land_surface, :rooms, :bedrooms, :bathrooms, :energy_rate, :ges,
		:latitude, :longitude, :city, :zipcode, :address,
		:parking, :cellar, :swimming_pool, :elevator, :fai_included, :equipments, :outside_access,
		:floor_number, :nb_floors_building, :building_year, :annual_charges,
		:first_seen_at, :last_seen_at)`

	_, err := sqlx.NamedExecContext(ctx, GetExecutor(ctx, s.db), query, toRow(p))
	return err
}

// Update overwrites every mutable column. first_seen_at is kept.
func (s *ListingStore) Update(ctx context.Context, p *domain.PersistedListing) error {
	query := `UPDATE listing SET
		insee_code = :insee_code,
		title = :title,
		description = :description,
		url = :url,
		publication_date = :publication_date,
		price = :price,
		old_price = :old_price,
		status = :status,
		owner_type = :owner_type,
		property_type = :property_type,
		immo_sell_type = :immo_sell_type,
		surface = :surface,
		land_surface = :land_surface,
		rooms = :rooms,
		bedrooms = :bedrooms,
		bathrooms = :bathrooms,
		energy_rate = :energy_rate,
		ges = :ges,
		latitude = :latitude,
		longitude = :longitude,
		city = :city,
		zipcode = :zipcode,
		address = :address,
		parking = :parking,
		cellar = :cellar,
		swimming_pool = :swimming_pool,
		elevator = :elevator,
		fai_included = :fai_included,
		equipments = :equipments,
		outside_access = :outside_access,
		floor_number = :floor_number,
		nb_floors_building = :nb_floors_building,
		building_year = :building_year,
		annual_charges = :annual_charges,
		last_seen_at = :last_seen_at
		WHERE id = :id`

	_, err := sqlx.NamedExecContext(ctx, GetExecutor(ctx, s.db), query, toRow(p))
	return err
}

// Touch moves last_seen_at forward. It never moves it back.
func (s *ListingStore) Touch(ctx context.Context, id int64, seenAt time.Time) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		"UPDATE listing SET last_seen_at = GREATEST(last_seen_at, $2) WHERE id = $1",
		id, seenAt,
	)
	return err
}

// MarkRemoved deactivates the active listings of the given cities that were
// not seen since the cutoff.
func (s *ListingStore) MarkRemoved(ctx context.Context, site string, inseeCodes []string, cutoff time.Time) ([]domain.RemovedListing, error) {
	if len(inseeCodes) == 0 {
		return nil, nil
	}

	query := `
		UPDATE listing SET status = 'inactive'
		WHERE site = $1
			AND insee_code = ANY($2)
			AND status = 'active'
			AND last_seen_at < $3
		RETURNING id, external_id, price`

	var removed []domain.RemovedListing
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &removed, query, site, pq.Array(inseeCodes), cutoff)
	return removed, err
}
