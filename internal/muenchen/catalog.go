package muenchen

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "terminbot/pkg/logx"
)

// CatalogService is one bookable service.
type CatalogService struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	MaxQuantity int    `json:"maxQuantity"`
}

// CatalogOffice is one location.
type CatalogOffice struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CatalogRelation links a service to an office designated for booking it.
// The relations array is the authoritative mapping; offices merely
// supporting a service are not bookable through it.
type CatalogRelation struct {
	OfficeID  int64 `json:"officeId"`
	ServiceID int64 `json:"serviceId"`
	Public    *bool `json:"public"` // absent means public
}

// Catalog is one parsed offices-and-services/ payload. Immutable after
// construction.
type Catalog struct {
	Services  []CatalogService  `json:"services"`
	Offices   []CatalogOffice   `json:"offices"`
	Relations []CatalogRelation `json:"relations"`

	serviceByID map[int64]CatalogService
	officeByID  map[int64]CatalogOffice
}

// NewCatalog assembles and indexes a catalog from already-parsed parts.
func NewCatalog(services []CatalogService, offices []CatalogOffice, relations []CatalogRelation) *Catalog {
	cat := &Catalog{Services: services, Offices: offices, Relations: relations}
	cat.index()
	return cat
}

func (c *Catalog) index() {
	c.serviceByID = make(map[int64]CatalogService, len(c.Services))
	for _, s := range c.Services {
		c.serviceByID[s.ID] = s
	}
	c.officeByID = make(map[int64]CatalogOffice, len(c.Offices))
	for _, o := range c.Offices {
		c.officeByID[o.ID] = o
	}
}

func (c *Catalog) ServiceByID(id int64) (CatalogService, bool) {
	s, ok := c.serviceByID[id]
	return s, ok
}

func (c *Catalog) OfficeByID(id int64) (CatalogOffice, bool) {
	o, ok := c.officeByID[id]
	return o, ok
}

// ServiceName resolves id to a display name, falling back to a numeric
// label when the catalog has not seen the service.
func (c *Catalog) ServiceName(id int64) string {
	if c != nil {
		if s, ok := c.serviceByID[id]; ok {
			return s.Name
		}
	}
	return "Service " + strconv.FormatInt(id, 10)
}

func (c *Catalog) OfficeName(id int64) string {
	if c != nil {
		if o, ok := c.officeByID[id]; ok {
			return o.Name
		}
	}
	return "Office " + strconv.FormatInt(id, 10)
}

// OfficesForService returns the offices designated for booking a service,
// public relations only, sorted by name.
func (c *Catalog) OfficesForService(serviceID int64) []CatalogOffice {
	var out []CatalogOffice
	for _, r := range c.Relations {
		if r.ServiceID != serviceID {
			continue
		}
		if r.Public != nil && !*r.Public {
			continue
		}
		if o, ok := c.officeByID[r.OfficeID]; ok {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Category groups services for the subscribe picker.
type Category struct {
	Label    string
	Services []CatalogService
}

// categoryKeywords drives the grouping. Order matters: the first match
// wins, and services matching nothing land in the last bucket.
var categoryKeywords = []struct {
	label    string
	keywords []string
}{
	{"Ausländerbehörde 🌍", []string{"aufenthaltstitel", "duldung", "eat", "verpflichtungserklärung"}},
	{"Ausweis & Pass 🆔", []string{"personalausweis", "reisepass", "eid"}},
	{"Fahrzeug 🚗", []string{"fahrzeug", "kfz", "kennzeichen", "zulassung"}},
	{"Führerschein 🪪", []string{"führerschein", "fahrerlaubnis", "fahrerqualifizierung", "personenbeförderungsschein"}},
	{"Wohnsitz 🏠", []string{"wohnsitz", "melde", "adress"}},
	{"Gewerbe 💼", []string{"gewerbe", "taxi", "mietwagen", "güter", "bewachung", "pfandleiher", "versteigerung"}},
	{"Familie 👪", []string{"eheschließung", "unterhaltsvorschuss", "vaterschaft", "elternberatung"}},
	{"Rente & Soziales 🏥", []string{"rente", "versicherung", "bafög", "sozial"}},
	{"Parken 🅿️", []string{"park", "bewohner"}},
}

const categoryOther = "Sonstiges 📋"

// Categories buckets every service by keyword, services sorted by name
// within each bucket. Empty buckets are dropped.
func (c *Catalog) Categories() []Category {
	buckets := make(map[string][]CatalogService)
	for _, s := range c.Services {
		label := categoryFor(s.Name)
		buckets[label] = append(buckets[label], s)
	}

	var out []Category
	for _, ck := range categoryKeywords {
		if svcs := buckets[ck.label]; len(svcs) > 0 {
			sort.Slice(svcs, func(i, j int) bool { return svcs[i].Name < svcs[j].Name })
			out = append(out, Category{Label: ck.label, Services: svcs})
		}
	}
	if svcs := buckets[categoryOther]; len(svcs) > 0 {
		sort.Slice(svcs, func(i, j int) bool { return svcs[i].Name < svcs[j].Name })
		out = append(out, Category{Label: categoryOther, Services: svcs})
	}
	return out
}

func categoryFor(name string) string {
	lower := strings.ToLower(name)
	for _, ck := range categoryKeywords {
		for _, kw := range ck.keywords {
			if strings.Contains(lower, kw) {
				return ck.label
			}
		}
	}
	return categoryOther
}

// OfficesAndServices fetches and indexes the full catalog payload.
func (c *Client) OfficesAndServices(ctx context.Context) (*Catalog, error) {
	var cat Catalog
	if err := c.getJSON(ctx, "offices-and-services/", nil, &cat); err != nil {
		return nil, err
	}
	cat.index()
	return &cat, nil
}

// CatalogCache holds the most recently fetched catalog. Refresh failures
// keep serving the previous snapshot.
type CatalogCache struct {
	client *Client
	log    logx.Logger

	mu        sync.RWMutex
	cur       *Catalog
	fetchedAt time.Time
}

func NewCatalogCache(client *Client, log logx.Logger) *CatalogCache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CatalogCache{client: client, log: log}
}

// Refresh fetches a new snapshot. The stale snapshot survives an error.
func (cc *CatalogCache) Refresh(ctx context.Context) error {
	cat, err := cc.client.OfficesAndServices(ctx)
	if err != nil {
		cc.log.Warn("catalog refresh failed", logx.Err(err))
		return err
	}
	cc.mu.Lock()
	cc.cur = cat
	cc.fetchedAt = time.Now()
	cc.mu.Unlock()
	cc.log.Info("catalog refreshed",
		logx.Int("services", len(cat.Services)),
		logx.Int("offices", len(cat.Offices)),
		logx.Int("relations", len(cat.Relations)))
	return nil
}

// Get returns the current snapshot; ok is false before the first
// successful refresh.
func (cc *CatalogCache) Get() (*Catalog, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.cur, cc.cur != nil
}

func (cc *CatalogCache) FetchedAt() time.Time {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.fetchedAt
}

// ServiceName resolves through the current snapshot. Usable before the
// first refresh; unknown ids get a numeric label.
func (cc *CatalogCache) ServiceName(id int64) string {
	cat, _ := cc.Get()
	return cat.ServiceName(id)
}

func (cc *CatalogCache) OfficeName(id int64) string {
	cat, _ := cc.Get()
	return cat.OfficeName(id)
}
