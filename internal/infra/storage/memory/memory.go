package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quizpix/scanworker/internal/core/domain"
	"github.com/quizpix/scanworker/internal/infra/storage"
)

// MemoryStorage is the DB-less mode backing store, shared by the page,
// image, and analysis repositories.
type MemoryStorage struct {
	mu       sync.RWMutex
	pages    map[string]*domain.ScanPage
	images   map[string]image
	analyses map[string]*domain.Analysis
}

type image struct {
	data     []byte
	mimeType string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		pages:    make(map[string]*domain.ScanPage),
		images:   make(map[string]image),
		analyses: make(map[string]*domain.Analysis),
	}
}

// AddPage seeds a pending page, assigning an id when absent.
func (s *MemoryStorage) AddPage(page *domain.ScanPage) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page.ID == "" {
		page.ID = uuid.NewString()
	}
	if page.Status == "" {
		page.Status = domain.PageStatusPending
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = time.Now()
	}
	s.pages[page.ID] = page
	return page.ID
}

// AddImage seeds an image payload under ref.
func (s *MemoryStorage) AddImage(ref string, data []byte, mimeType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[ref] = image{data: data, mimeType: mimeType}
}

// Page returns the stored page, nil when absent.
func (s *MemoryStorage) Page(id string) *domain.ScanPage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pages[id]
}

// -----------------------------------------------------------------------------
// Page Repository
// -----------------------------------------------------------------------------

type PageRepo struct {
	store *MemoryStorage
}

func NewPageRepo(store *MemoryStorage) *PageRepo {
	return &PageRepo{store: store}
}

func (r *PageRepo) FetchPending(ctx context.Context, limit int) ([]*domain.ScanPage, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var pending []*domain.ScanPage
	for _, p := range r.store.pages {
		if p.Status == domain.PageStatusPending {
			pending = append(pending, p)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	claimed := make([]*domain.ScanPage, 0, len(pending))
	for _, p := range pending {
		p.Status = domain.PageStatusProcessing
		p.UpdatedAt = time.Now()
		cp := *p
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (r *PageRepo) MarkDone(ctx context.Context, id string) error {
	return r.setStatus(id, domain.PageStatusDone, "")
}

func (r *PageRepo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return r.setStatus(id, domain.PageStatusFailed, errMsg)
}

func (r *PageRepo) Requeue(ctx context.Context, id string, errMsg string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if p, ok := r.store.pages[id]; ok {
		p.Status = domain.PageStatusPending
		p.RetryCount++
		p.LastError = errMsg
		p.UpdatedAt = time.Now()
	}
	return nil
}

func (r *PageRepo) CountPending(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	count := 0
	for _, p := range r.store.pages {
		if p.Status == domain.PageStatusPending {
			count++
		}
	}
	return count, nil
}

func (r *PageRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for id, p := range r.store.pages {
		terminal := p.Status == domain.PageStatusDone || p.Status == domain.PageStatusFailed
		if terminal && p.UpdatedAt.Before(cutoff) {
			delete(r.store.pages, id)
			delete(r.store.analyses, id)
			n++
		}
	}
	return n, nil
}

func (r *PageRepo) setStatus(id string, status domain.PageStatus, errMsg string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if p, ok := r.store.pages[id]; ok {
		p.Status = status
		p.LastError = errMsg
		p.UpdatedAt = time.Now()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Image Repository
// -----------------------------------------------------------------------------

type ImageRepo struct {
	store *MemoryStorage
}

func NewImageRepo(store *MemoryStorage) *ImageRepo {
	return &ImageRepo{store: store}
}

func (r *ImageRepo) Get(ctx context.Context, ref string) ([]byte, string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	img, ok := r.store.images[ref]
	if !ok {
		return nil, "", storage.ErrImageNotFound
	}
	return img.data, img.mimeType, nil
}

// -----------------------------------------------------------------------------
// Analysis Repository
// -----------------------------------------------------------------------------

type AnalysisRepo struct {
	store *MemoryStorage
}

func NewAnalysisRepo(store *MemoryStorage) *AnalysisRepo {
	return &AnalysisRepo{store: store}
}

func (r *AnalysisRepo) Save(ctx context.Context, a *domain.Analysis) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.store.analyses[a.PageID] = &cp
	return nil
}

func (r *AnalysisRepo) GetByPage(ctx context.Context, pageID string) (*domain.Analysis, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	a, ok := r.store.analyses[pageID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}
