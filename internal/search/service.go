package search

import (
	"sync"

	"go.uber.org/zap"

	"loops/api/internal/logging"
)

// Service fronts an optional Index. Writes are fire-and-forget; reads report
// ErrUnavailable so callers can fall back to scanning the store.
type Service struct {
	index Index
	log   *zap.Logger
	wg    sync.WaitGroup
}

// NewService creates a search service. index may be nil when search is not
// configured.
func NewService(index Index, log *zap.Logger) *Service {
	return &Service{index: index, log: logging.OrNop(log)}
}

func (s *Service) available() bool {
	return s != nil && s.index != nil && s.index.Healthy()
}

func (s *Service) Search(q Query) (Response, error) {
	if !s.available() {
		return Response{}, ErrUnavailable
	}
	results, total, err := s.index.Search(q)
	if err != nil {
		s.log.Warn("search failed", zap.String("query", q.Text), zap.Error(err))
		return Response{}, ErrUnavailable
	}
	if results == nil {
		results = []Result{}
	}
	return Response{Results: results, Total: total, Query: q.Text}, nil
}

func (s *Service) IndexLoop(loop LoopRecord) {
	s.async("index loop", loop.ID, func() error { return s.index.IndexLoop(loop) })
}

func (s *Service) DeleteLoop(id string) {
	s.async("delete loop", id, func() error { return s.index.DeleteLoop(id) })
}

func (s *Service) async(op, id string, fn func() error) {
	if !s.available() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			s.log.Warn("search "+op+" failed", zap.String("loop_id", id), zap.Error(err))
		}
	}()
}

// Wait blocks until pending index writes have finished.
func (s *Service) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}
