package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/GoPolymarket/capsettle/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memReportRepo struct {
	mu      sync.Mutex
	stored  []*model.RunReport
	listErr error
}

func (m *memReportRepo) Insert(_ context.Context, r *model.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, r)
	return nil
}

func (m *memReportRepo) List(context.Context, string, int) ([]*model.RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.stored, nil
}

func TestReportBufferWrapsNewestFirst(t *testing.T) {
	buf := newReportBuffer(3)
	for i := 1; i <= 5; i++ {
		buf.Add(&model.RunReport{ID: fmt.Sprint(i), Job: JobAccrual})
	}
	got := buf.List("", 0)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"5", "4", "3"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestReportBufferFiltersByJob(t *testing.T) {
	buf := newReportBuffer(10)
	buf.Add(&model.RunReport{ID: "a", Job: JobAccrual})
	buf.Add(&model.RunReport{ID: "d", Job: JobDisbursement})
	buf.Add(&model.RunReport{ID: "b", Job: JobAccrual})

	got := buf.List(JobAccrual, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestReportServiceForwardsToRepo(t *testing.T) {
	repo := &memReportRepo{}
	svc := NewReportService(10, repo)
	svc.Publish(&model.RunReport{ID: "r1", Job: JobReconcile})
	svc.Publish(nil)
	svc.Close()

	assert.Len(t, repo.stored, 1)
}

func TestReportServiceFallsBackToMemory(t *testing.T) {
	repo := &memReportRepo{listErr: errors.New("redis down")}
	svc := NewReportService(10, repo)
	defer svc.Close()
	svc.Publish(&model.RunReport{ID: "r1", Job: JobReconcile})

	got, err := svc.List(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
}

type capturePublisher struct{ reports []*model.RunReport }

func (c *capturePublisher) Publish(r *model.RunReport) { c.reports = append(c.reports, r) }

func TestAccrualJobPublishesReportAndFlagsPartialRuns(t *testing.T) {
	f := newFixture(t)
	f.market(t, "m1", assetWETH, int64Ptr(1000))
	f.market(t, "uncapped", assetUSDC, nil)
	f.position(t, "p1", borrowerA, "m1", 1_200_000)
	f.position(t, "p2", borrowerB, "uncapped", 1_200_000)

	pub := &capturePublisher{}
	rec := NewAccrualRecorder(f.positions, f.ledger, newFakeRates(map[string]int64{"m1": 1820}), nil, WithRecorderClock(fixedClock))
	jobs := NewJobs(nil, rec, nil, nil, pub)

	err := jobs.DailyAccrual(context.Background())
	var partial *PartialRunError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 1, partial.Failed)
	assert.Equal(t, 2, partial.Total)

	require.Len(t, pub.reports, 1)
	rep := pub.reports[0]
	assert.Equal(t, JobAccrual, rep.Job)
	assert.NotEmpty(t, rep.ID)
	assert.Equal(t, err.Error(), rep.Error)
	require.NotNil(t, rep.Accrual)
	assert.Equal(t, 1, rep.Accrual.Recorded)
	assert.False(t, rep.FinishedAt.Before(rep.StartedAt))
}
