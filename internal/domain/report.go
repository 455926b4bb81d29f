package domain

type PriceChange struct {
	Key      ListingKey `json:"key"`
	OldPrice float64    `json:"old_price"`
	NewPrice float64    `json:"new_price"`
}

type Rejection struct {
	ExternalID string `json:"external_id"`
	Reason     string `json:"reason"`
}

// Report is the outcome of one reconciliation, handed to the notifier.
type Report struct {
	Site         string        `json:"site"`
	New          []ListingKey  `json:"new"`
	PriceChanged []PriceChange `json:"price_changed"`
	Relisted     []ListingKey  `json:"relisted"`
	Removed      []ListingKey  `json:"removed"`
	Unchanged    int           `json:"unchanged"`
	Rejected     []Rejection   `json:"rejected"`
}

func NewReport(site string) *Report {
	return &Report{Site: site}
}

func (r *Report) Counts() map[ChangeKind]int {
	return map[ChangeKind]int{
		ChangeNew:          len(r.New),
		ChangePriceChanged: len(r.PriceChanged),
		ChangeUnchanged:    r.Unchanged,
		ChangeRelisted:     len(r.Relisted),
		ChangeRemoved:      len(r.Removed),
	}
}

// HasEvents reports whether the notifier has anything to say.
func (r *Report) HasEvents() bool {
	return len(r.New) > 0 || len(r.PriceChanged) > 0 || len(r.Relisted) > 0 || len(r.Removed) > 0
}

func (r *Report) Merge(o *Report) {
	if o == nil {
		return
	}
	r.New = append(r.New, o.New...)
	r.PriceChanged = append(r.PriceChanged, o.PriceChanged...)
	r.Relisted = append(r.Relisted, o.Relisted...)
	r.Removed = append(r.Removed, o.Removed...)
	r.Unchanged += o.Unchanged
	r.Rejected = append(r.Rejected, o.Rejected...)
}
