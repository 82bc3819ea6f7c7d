package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"
	"github.com/osvaldoandrade/contentpipe/pkg/persistence"
)

// Plugin keeps invocation history in process memory. History is lost on
// restart.
type Plugin struct {
	mu      sync.RWMutex
	records map[string]*domain.InvocationRecord
	order   []string // oldest first
	limit   int
	tz      *time.Location
}

// NewPlugin creates a new in-memory persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	tz := config.Timezone
	if tz == nil {
		tz = time.UTC
	}
	limit := config.HistoryLimit
	if limit <= 0 {
		limit = 1000
	}
	return &Plugin{
		records: make(map[string]*domain.InvocationRecord),
		limit:   limit,
		tz:      tz,
	}, nil
}

// InvocationStorage returns the invocation history store
func (p *Plugin) InvocationStorage() persistence.InvocationStorage {
	return p
}

// Health always returns nil for in-memory storage
func (p *Plugin) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op for in-memory storage
func (p *Plugin) Close() error {
	return nil
}

func init() {
	persistence.RegisterProvider("memory", NewPlugin)
}

func (p *Plugin) Create(ctx context.Context, rec *domain.InvocationRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[rec.ID]; ok {
		return persistence.ErrAlreadyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().In(p.tz)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	p.records[rec.ID] = copyRecord(rec)
	p.order = append(p.order, rec.ID)
	for len(p.order) > p.limit {
		delete(p.records, p.order[0])
		p.order = p.order[1:]
	}
	return nil
}

func (p *Plugin) Save(ctx context.Context, rec *domain.InvocationRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[rec.ID]; !ok {
		return persistence.ErrNotFound
	}
	rec.UpdatedAt = time.Now().In(p.tz)
	p.records[rec.ID] = copyRecord(rec)
	return nil
}

func (p *Plugin) Get(ctx context.Context, id string) (*domain.InvocationRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (p *Plugin) List(ctx context.Context, stage domain.Stage, limit int) ([]*domain.InvocationRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if limit <= 0 || limit > p.limit {
		limit = p.limit
	}
	out := make([]*domain.InvocationRecord, 0, limit)
	for i := len(p.order) - 1; i >= 0 && len(out) < limit; i-- {
		rec := p.records[p.order[i]]
		if stage != "" && rec.Stage != stage {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	// creation order already matches CreatedAt unless callers backdate
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (p *Plugin) Count(ctx context.Context, stage domain.Stage) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if stage == "" {
		return int64(len(p.records)), nil
	}
	var n int64
	for _, rec := range p.records {
		if rec.Stage == stage {
			n++
		}
	}
	return n, nil
}

func copyRecord(rec *domain.InvocationRecord) *domain.InvocationRecord {
	c := *rec
	c.Params.Images = append([]string(nil), rec.Params.Images...)
	if rec.Result != nil {
		r := *rec.Result
		r.Assets = append([]string(nil), rec.Result.Assets...)
		if rec.Result.Error != nil {
			e := *rec.Result.Error
			r.Error = &e
		}
		c.Result = &r
	}
	return &c
}
