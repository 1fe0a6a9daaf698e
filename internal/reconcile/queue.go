// Package reconcile принимает пачки сканов, накопленных терминалом без связи,
// и пересобирает затронутые дни в том же порядке и под тем же локом, что и живой поток.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Spok95/school-attendance/internal/attendance"
	"github.com/Spok95/school-attendance/internal/ingest"
	"github.com/Spok95/school-attendance/internal/metrics"
	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
)

// Rejection — отклонённый элемент пачки; остальные элементы обрабатываются.
type Rejection struct {
	Index   int    `json:"index"`
	Payload string `json:"qr_payload"`
	Reason  string `json:"reason"`
}

type BatchResult struct {
	ReconciledKeys []string    `json:"reconciled_keys"`
	Accepted       int         `json:"accepted"`
	Duplicates     int         `json:"duplicates"`
	Rejected       []Rejection `json:"rejected"`
}

type Config struct {
	MaxBatch int
	Parallel int
}

type Queue struct {
	gw   *ingest.Gateway
	proc *attendance.Processor
	cfg  Config
	log  *zap.Logger
}

func NewQueue(gw *ingest.Gateway, proc *attendance.Processor, cfg Config, log *zap.Logger) *Queue {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1000
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{gw: gw, proc: proc, cfg: cfg, log: log}
}

// prepare — проверка как у живого скана; направление в офлайн-пачке обязательно.
func (q *Queue) prepare(ctx context.Context, it ingest.Scan) (ingest.Prepared, error) {
	if it.Direction == "" {
		return ingest.Prepared{}, &ingest.ValidationError{Field: "event_type", Reason: "required for offline scans"}
	}
	return q.gw.Prepare(ctx, it)
}

type group struct {
	person roster.Person
	date   string
	events []models.ScanEvent
}

// SubmitOfflineBatch — ключи обрабатываются параллельно, события одного ключа применяются
// одним вызовом под локом ключа.
func (q *Queue) SubmitOfflineBatch(ctx context.Context, items []ingest.Scan) (BatchResult, error) {
	const op = "reconcile.SubmitOfflineBatch"

	if len(items) > q.cfg.MaxBatch {
		return BatchResult{}, &ingest.ValidationError{
			Field:  "events",
			Reason: fmt.Sprintf("batch of %d exceeds limit %d", len(items), q.cfg.MaxBatch),
		}
	}

	res := BatchResult{ReconciledKeys: []string{}, Rejected: []Rejection{}}
	groups := make(map[models.RecordKey]*group)
	var order []models.RecordKey
	for i, it := range items {
		p, err := q.prepare(ctx, it)
		if err != nil {
			var ve *ingest.ValidationError
			var cp *ingest.ClosedPeriodError
			if errors.As(err, &ve) || errors.As(err, &cp) {
				res.Rejected = append(res.Rejected, Rejection{Index: i, Payload: it.Payload, Reason: err.Error()})
				metrics.ScansTotal.WithLabelValues(string(models.SourceOffline), string(ingest.OutcomeRejected)).Inc()
				continue
			}
			return BatchResult{}, fmt.Errorf("%s: item %d: %w", op, i, err)
		}
		p.Event.Source = models.SourceOffline
		key := models.RecordKey{PersonID: p.Person.ID(), Date: p.Date}
		g, ok := groups[key]
		if !ok {
			g = &group{person: p.Person, date: p.Date}
			groups[key] = g
			order = append(order, key)
		}
		g.events = append(g.events, p.Event)
	}

	var mu sync.Mutex
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(q.cfg.Parallel)
	for _, key := range order {
		g := groups[key]
		eg.Go(func() error {
			r, err := q.proc.Apply(gctx, g.person, g.date, models.SourceOffline, g.events)
			if err != nil {
				return fmt.Errorf("%s: %s: %w", op, key, err)
			}
			mu.Lock()
			defer mu.Unlock()
			res.Accepted += len(r.Accepted)
			res.Duplicates += len(r.Duplicates)
			if r.Changed {
				res.ReconciledKeys = append(res.ReconciledKeys, key.String())
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return BatchResult{}, err
	}

	sort.Strings(res.ReconciledKeys)
	metrics.ReconciledKeys.Add(float64(len(res.ReconciledKeys)))
	metrics.ScansTotal.WithLabelValues(string(models.SourceOffline), string(ingest.OutcomeCreated)).Add(float64(res.Accepted))
	metrics.ScansTotal.WithLabelValues(string(models.SourceOffline), string(ingest.OutcomeDuplicate)).Add(float64(res.Duplicates))
	q.log.Info("offline batch reconciled",
		zap.Int("items", len(items)),
		zap.Int("keys", len(res.ReconciledKeys)),
		zap.Int("accepted", res.Accepted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}
