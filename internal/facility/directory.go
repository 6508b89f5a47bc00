// Package facility is the read-mostly catalog of BHC, DHO and CHO facilities
// and the tier and operating-hour rules derived from it.
package facility

import (
	"context"
	"strings"
	"sync"
	"time"

	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/store"
)

const defaultCacheTTL = 5 * time.Minute

// Reader is the slice of the store the directory loads from.
type Reader interface {
	GetFacility(ctx context.Context, facilityID string) (models.Facility, error)
	ListFacilities(ctx context.Context) ([]models.Facility, error)
	GetPatient(ctx context.Context, patientID string) (models.Patient, error)
}

// Directory caches facilities for ttl. Facilities change only through
// directory administration, so a short staleness window is acceptable.
type Directory struct {
	reader          Reader
	ttl             time.Duration
	defaultCapacity int
	now             func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedFacility
}

type cachedFacility struct {
	facility models.Facility
	loadedAt time.Time
}

type Options struct {
	TTL             time.Duration
	DefaultCapacity int
	Now             func() time.Time
}

func NewDirectory(reader Reader, options Options) *Directory {
	ttl := options.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	capacity := options.DefaultCapacity
	if capacity <= 0 {
		capacity = models.DefaultSlotCapacity
	}
	return &Directory{
		reader:          reader,
		ttl:             ttl,
		defaultCapacity: capacity,
		now:             now,
		cache:           make(map[string]cachedFacility),
	}
}

func (d *Directory) Get(ctx context.Context, facilityID string) (models.Facility, error) {
	d.mu.RLock()
	cached, ok := d.cache[facilityID]
	d.mu.RUnlock()
	if ok && d.now().Sub(cached.loadedAt) < d.ttl {
		return cached.facility, nil
	}

	f, err := d.reader.GetFacility(ctx, facilityID)
	if err != nil {
		return models.Facility{}, store.Unavailable(err)
	}
	f = d.withDefaults(f)
	d.remember(f)
	return f, nil
}

func (d *Directory) List(ctx context.Context) ([]models.Facility, error) {
	facilities, err := d.reader.ListFacilities(ctx)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	for i := range facilities {
		facilities[i] = d.withDefaults(facilities[i])
		d.remember(facilities[i])
	}
	return facilities, nil
}

// HomeFacility resolves the BHC serving the patient's home barangay.
func (d *Directory) HomeFacility(ctx context.Context, patientID string) (models.Facility, error) {
	patient, err := d.reader.GetPatient(ctx, patientID)
	if err != nil {
		return models.Facility{}, store.Unavailable(err)
	}
	barangay := strings.TrimSpace(patient.HomeBarangay)
	if barangay == "" {
		return models.Facility{}, store.ErrFacilityNotFound
	}
	facilities, err := d.List(ctx)
	if err != nil {
		return models.Facility{}, err
	}
	for _, f := range facilities {
		if f.Type == models.FacilityBHC && strings.EqualFold(strings.TrimSpace(f.Barangay), barangay) {
			return f, nil
		}
	}
	return models.Facility{}, store.ErrFacilityNotFound
}

// Invalidate drops the cache so the next lookup reloads from the store.
func (d *Directory) Invalidate() {
	d.mu.Lock()
	d.cache = make(map[string]cachedFacility)
	d.mu.Unlock()
}

func (d *Directory) withDefaults(f models.Facility) models.Facility {
	if f.SlotCapacity <= 0 {
		f.SlotCapacity = d.defaultCapacity
	}
	return f
}

func (d *Directory) remember(f models.Facility) {
	d.mu.Lock()
	d.cache[f.FacilityID] = cachedFacility{facility: f, loadedAt: d.now()}
	d.mu.Unlock()
}
