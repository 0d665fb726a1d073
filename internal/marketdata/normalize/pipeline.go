package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"derivfeed/internal/logger"
	"derivfeed/internal/marketdata/feedproto"
	"derivfeed/internal/metrics"
	"derivfeed/internal/model"
)

// Sink receives normalized output.
type Sink interface {
	Ingest(ctx context.Context, ticks []model.NormalizedTick) (model.SaveResult, error)
	Publish(ctx context.Context, ticks []model.NormalizedTick) error
	PublishStatus(ctx context.Context, statuses []model.MarketStatus) error
	PublishStats(ctx context.Context, snap Snapshot) error
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	// StatsEvery emits a stats event after every N frames. Zero disables it.
	StatsEvery int
	Metrics    *metrics.Metrics
	Health     *metrics.HealthStatus
	Logger     *slog.Logger
	Now        func() time.Time
}

// Pipeline implements feed.FrameHandler. HandleFrame is called from a single
// reader goroutine, so frames are processed strictly in arrival order.
type Pipeline struct {
	norm  *Normalizer
	sink  Sink
	stats *Statistics
	cfg   PipelineConfig
	log   *slog.Logger
}

// NewPipeline wires a normalizer to a sink.
func NewPipeline(lookup Lookup, sink Sink, cfg PipelineConfig) *Pipeline {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		norm:  NewNormalizer(lookup, cfg.Now),
		sink:  sink,
		stats: NewStatistics(cfg.Now()),
		cfg:   cfg,
		log:   logger.Component(cfg.Logger, "normalize"),
	}
}

// Stats returns the running counters.
func (p *Pipeline) Stats() *Statistics { return p.stats }

// HandleFrame decodes one frame, routes market info to the status path and
// ticks to storage and push. A decode failure is counted and returned; it
// never affects later frames. Storage and push are both attempted regardless
// of each other's outcome.
func (p *Pipeline) HandleFrame(ctx context.Context, frame []byte) error {
	now := p.cfg.Now()
	n := p.stats.messages.Add(1)
	p.stats.lastMessage.Store(now.UnixNano())
	if m := p.cfg.Metrics; m != nil {
		m.FramesTotal.Inc()
	}
	defer p.maybeEmitStats(ctx, n)

	resp, err := feedproto.Decode(frame)
	if err != nil {
		p.stats.errors.Add(1)
		if m := p.cfg.Metrics; m != nil {
			m.DecodeErrors.Inc()
		}
		p.log.Warn("decode failed", append(logger.LogWithTrace(ctx), "error", err, "bytes", len(frame))...)
		return err
	}

	serverTS := now
	if resp.CurrentTS > 0 {
		serverTS = time.UnixMilli(resp.CurrentTS).UTC()
	}

	var errs []error
	if len(resp.MarketInfo) > 0 {
		statuses := Statuses(resp.MarketInfo, serverTS)
		sort.Slice(statuses, func(i, j int) bool { return statuses[i].Segment < statuses[j].Segment })
		if m := p.cfg.Metrics; m != nil {
			for seg, st := range resp.MarketInfo {
				m.SegmentStatus.WithLabelValues(seg).Set(float64(st))
			}
		}
		if err := p.sink.PublishStatus(ctx, statuses); err != nil {
			errs = append(errs, fmt.Errorf("publish status: %w", err))
		}
	}

	if len(resp.Feeds) == 0 {
		return errors.Join(errs...)
	}

	ids := make([]string, 0, len(resp.Feeds))
	for id := range resp.Feeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ticks := make([]model.NormalizedTick, 0, len(ids))
	for _, id := range ids {
		ticks = append(ticks, p.norm.Normalize(id, resp.Feeds[id], serverTS))
	}
	p.stats.ticks.Add(int64(len(ticks)))
	if m := p.cfg.Metrics; m != nil {
		m.TicksTotal.Add(float64(len(ticks)))
		if resp.CurrentTS > 0 {
			m.TickLag.Observe(now.Sub(serverTS).Seconds())
		}
	}
	if h := p.cfg.Health; h != nil {
		h.SetLastTickTime(now)
	}

	if err := p.ingest(ctx, ticks); err != nil {
		errs = append(errs, err)
	}
	if err := p.sink.Publish(ctx, ticks); err != nil {
		errs = append(errs, fmt.Errorf("publish: %w", err))
	}
	return errors.Join(errs...)
}

func (p *Pipeline) ingest(ctx context.Context, ticks []model.NormalizedTick) error {
	start := time.Now()
	res, err := p.sink.Ingest(ctx, ticks)
	m := p.cfg.Metrics
	if m != nil {
		m.StoreWriteDur.Observe(time.Since(start).Seconds())
		m.DuplicateTicks.Add(float64(res.Duplicates))
	}
	if h := p.cfg.Health; h != nil {
		h.SetStoreOK(err == nil)
	}
	if err != nil {
		p.stats.errors.Add(1)
		if m != nil {
			m.StoreErrors.Inc()
		}
		p.log.Error("store ticks failed", append(logger.LogWithTrace(ctx), "error", err, "ticks", len(ticks))...)
		return fmt.Errorf("ingest: %w", err)
	}
	if res.Duplicates > 0 {
		p.log.Debug("duplicate ticks skipped", "duplicates", res.Duplicates, "inserted", res.Inserted)
	}
	return nil
}

func (p *Pipeline) maybeEmitStats(ctx context.Context, n int64) {
	every := int64(p.cfg.StatsEvery)
	if every <= 0 || n%every != 0 {
		return
	}
	snap := p.stats.Snapshot(p.cfg.Now())
	if err := p.sink.PublishStats(ctx, snap); err != nil {
		p.log.Warn("publish stats failed", "error", err)
	}
}
