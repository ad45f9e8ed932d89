package service

import (
	"context"
	"sync"
	"time"

	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/GoPolymarket/capsettle/internal/pkg/logger"
)

// ReportRepo persists run reports for the alert consumer.
type ReportRepo interface {
	Insert(ctx context.Context, report *model.RunReport) error
	List(ctx context.Context, job string, limit int) ([]*model.RunReport, error)
}

// ReportService keeps the latest run reports in memory and forwards them to
// an optional repo without blocking the job that produced them.
type ReportService struct {
	reports chan *model.RunReport
	buffer  *reportBuffer
	repo    ReportRepo
	done    chan struct{}
}

func NewReportService(bufferSize int, repo ReportRepo) *ReportService {
	svc := &ReportService{
		reports: make(chan *model.RunReport, 100),
		buffer:  newReportBuffer(bufferSize),
		repo:    repo,
		done:    make(chan struct{}),
	}
	go svc.process()
	return svc
}

func (s *ReportService) Publish(report *model.RunReport) {
	if report == nil {
		return
	}
	s.buffer.Add(report)
	if s.repo == nil {
		return
	}
	select {
	case s.reports <- report:
	default:
		logger.Warn("report queue full, report kept in memory only", "job", report.Job, "run_id", report.ID)
	}
}

func (s *ReportService) List(ctx context.Context, job string, limit int) ([]*model.RunReport, error) {
	if s.repo != nil {
		reports, err := s.repo.List(ctx, job, limit)
		if err == nil {
			return reports, nil
		}
		logger.Warn("report repo unavailable, serving memory buffer", "error", err)
	}
	return s.buffer.List(job, limit), nil
}

func (s *ReportService) process() {
	defer close(s.done)
	for report := range s.reports {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.repo.Insert(ctx, report); err != nil {
			logger.Error("failed to store run report", "job", report.Job, "run_id", report.ID, "error", err)
		}
		cancel()
	}
}

// Close drains queued reports.
func (s *ReportService) Close() {
	close(s.reports)
	<-s.done
}

type reportBuffer struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.RunReport
	nextIndex int
}

func newReportBuffer(maxSize int) *reportBuffer {
	if maxSize <= 0 {
		maxSize = 200
	}
	return &reportBuffer{
		maxSize: maxSize,
		records: make([]*model.RunReport, 0, maxSize),
	}
}

func (b *reportBuffer) Add(entry *model.RunReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		b.records = append(b.records, entry)
		return
	}
	b.records[b.nextIndex] = entry
	b.nextIndex = (b.nextIndex + 1) % b.maxSize
}

// List returns newest first.
func (b *reportBuffer) List(job string, limit int) []*model.RunReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > b.maxSize {
		limit = b.maxSize
	}
	results := make([]*model.RunReport, 0, limit)
	total := len(b.records)
	for i := 0; i < total; i++ {
		idx := (b.nextIndex + total - 1 - i) % total
		entry := b.records[idx]
		if job != "" && entry.Job != job {
			continue
		}
		results = append(results, entry)
		if len(results) >= limit {
			break
		}
	}
	return results
}
