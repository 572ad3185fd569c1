package stats

import (
	"sync"

	"github.com/ethpandaops/torrentstats/internal/store"
)

// Keys of the totals namespace.
const (
	KeyTotalUpload          = "total_upload"
	KeyTotalDownload        = "total_download"
	KeyTotalPayloadUpload   = "total_payload_upload"
	KeyTotalPayloadDownload = "total_payload_download"
	KeyHistory              = "stats"
)

// DefaultTotals are the defaults of the totals namespace.
func DefaultTotals() map[string]any {
	return map[string]any{
		KeyTotalUpload:          int64(0),
		KeyTotalDownload:        int64(0),
		KeyTotalPayloadUpload:   int64(0),
		KeyTotalPayloadDownload: int64(0),
		KeyHistory:              map[string]any{},
	}
}

// Totals holds the four cumulative transfer metrics, in bytes.
type Totals struct {
	Upload          int64 `json:"total_upload"`
	Download        int64 `json:"total_download"`
	PayloadUpload   int64 `json:"total_payload_upload"`
	PayloadDownload int64 `json:"total_payload_download"`
}

// Add returns the elementwise sum of t and o.
func (t Totals) Add(o Totals) Totals {
	return Totals{
		Upload:          t.Upload + o.Upload,
		Download:        t.Download + o.Download,
		PayloadUpload:   t.PayloadUpload + o.PayloadUpload,
		PayloadDownload: t.PayloadDownload + o.PayloadDownload,
	}
}

// Map returns the totals keyed by their persisted names.
func (t Totals) Map() map[string]int64 {
	return map[string]int64{
		KeyTotalUpload:          t.Upload,
		KeyTotalDownload:        t.Download,
		KeyTotalPayloadUpload:   t.PayloadUpload,
		KeyTotalPayloadDownload: t.PayloadDownload,
	}
}

func totalsFromStore(st store.Store) Totals {
	return Totals{
		Upload:          store.Int64(st, KeyTotalUpload),
		Download:        store.Int64(st, KeyTotalDownload),
		PayloadUpload:   store.Int64(st, KeyTotalPayloadUpload),
		PayloadDownload: store.Int64(st, KeyTotalPayloadDownload),
	}
}

func (t Totals) writeTo(st store.Store) {
	for k, v := range t.Map() {
		st.Set(k, v)
	}
}

// Ledger carries the totals of all prior sessions. It is read from the
// totals namespace at most once per process, however many aggregators
// are created over the process lifetime.
type Ledger struct {
	mu        sync.Mutex
	persisted Totals
	loaded    bool
}

// NewLedger creates an unloaded Ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Load reads the persisted totals from st unless they were already
// loaded. It reports whether this call performed the load.
func (l *Ledger) Load(st store.Store) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		return false
	}

	l.persisted = totalsFromStore(st)
	l.loaded = true

	return true
}

// Loaded reports whether Load has run.
func (l *Ledger) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.loaded
}

// Persisted returns the totals carried over from earlier sessions.
func (l *Ledger) Persisted() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.persisted
}
