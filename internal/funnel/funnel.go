// Package funnel reduces analyzed responses to one executive summary in four
// durable stages: batch insights, category insights, strategic priorities
// and the summary. Each stage reads its inputs from the store and writes its
// outputs back, so any stage can be re-entered after a crash.
package funnel

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/gateway"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/resilience"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/store"
	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/validate"
)

// Stage names used in logs, spans and dependency errors.
const (
	StageBatch     = "batch_insights"
	StageCategory  = "category_aggregation"
	StageStrategic = "strategic_prioritization"
	StageSummary   = "executive_summary"
)

// Config bounds the funnel's fan-out.
type Config struct {
	BatchSize   int
	Concurrency int
	TopK        int
	TopN        int
}

// DefaultConfig returns batches of 12, 5 calls in flight, top 3 per
// category and top 5 strategic priorities.
func DefaultConfig() Config {
	return Config{BatchSize: 12, Concurrency: 5, TopK: 3, TopN: 5}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency == 0 {
		c.Concurrency = d.Concurrency
	}
	if c.TopK == 0 {
		c.TopK = d.TopK
	}
	if c.TopN == 0 {
		c.TopN = d.TopN
	}
	c.BatchSize = min(max(c.BatchSize, 8), 16)
	c.Concurrency = min(max(c.Concurrency, 1), 10)
	c.TopK = max(c.TopK, 1)
	c.TopN = min(max(c.TopN, 3), 5)
	return c
}

// Funnel runs the aggregation stages for one audit at a time.
type Funnel struct {
	store   store.Store
	gw      gateway.Gateway
	catalog *Catalog
	cfg     Config
	tracer  trace.Tracer
	nowFunc func() time.Time
}

// New returns a Funnel. A nil catalog uses the embedded one.
func New(st store.Store, gw gateway.Gateway, catalog *Catalog, cfg Config) (*Funnel, error) {
	if catalog == nil {
		c, err := DefaultCatalog()
		if err != nil {
			return nil, err
		}
		catalog = c
	}
	return &Funnel{
		store:   st,
		gw:      gw,
		catalog: catalog,
		cfg:     cfg.normalized(),
		tracer:  otel.Tracer("funnel"),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Config returns the effective configuration.
func (f *Funnel) Config() Config { return f.cfg }

func (f *Funnel) types() []model.ExtractionType {
	out := make([]model.ExtractionType, len(f.catalog.Types))
	for i, t := range f.catalog.Types {
		out[i] = t.ID
	}
	return out
}

// batches groups analyzed responses by category and cuts each category into
// batches of BatchSize. Categories come back sorted; empty ones never appear.
func (f *Funnel) batches(responses []model.Response) (map[string][][]model.Response, []string) {
	byCat := make(map[string][]model.Response)
	for _, r := range responses {
		if !r.Analyzed() {
			continue
		}
		byCat[r.Category] = append(byCat[r.Category], r)
	}
	cats := make([]string, 0, len(byCat))
	out := make(map[string][][]model.Response, len(byCat))
	for cat, rs := range byCat {
		cats = append(cats, cat)
		for i := 0; i < len(rs); i += f.cfg.BatchSize {
			out[cat] = append(out[cat], rs[i:min(i+f.cfg.BatchSize, len(rs))])
		}
	}
	sort.Strings(cats)
	return out, cats
}

func batchKey(cat string, batch int, t model.ExtractionType) string {
	return fmt.Sprintf("%s/%d/%s", cat, batch, t)
}

func categoryKey(cat string, t model.ExtractionType) string {
	return cat + "/" + string(t)
}

func (f *Funnel) startSpan(ctx context.Context, stage, auditID string) (context.Context, trace.Span) {
	return f.tracer.Start(ctx, "funnel."+stage, trace.WithAttributes(
		attribute.String("audit.id", auditID),
		attribute.String("funnel.stage", stage),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// keepDefects persists rec's total so the quality gate counts it alongside
// per-response defects. A failed write is logged.
func (f *Funnel) keepDefects(ctx context.Context, auditID, source string, rec *validate.Recorder) {
	if err := f.store.AddAuditDefects(ctx, auditID, source, rec.Total()); err != nil {
		zap.L().Warn("funnel: record defects failed",
			zap.String("audit_id", auditID), zap.String("source", source), zap.Error(err))
	}
}

type heartbeatKey struct{}

// WithHeartbeat returns a context under which beat runs after every
// completed provider call, including calls made from concurrent fan-out.
// beat must be safe for concurrent use.
func WithHeartbeat(ctx context.Context, beat func(context.Context)) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, beat)
}

func heartbeat(ctx context.Context) {
	if beat, ok := ctx.Value(heartbeatKey{}).(func(context.Context)); ok && beat != nil {
		beat(ctx)
	}
}

// replyAttempts is how many times a stage asks again after a reply it
// cannot use. Gateway errors are not retried here; the gateway has its own
// policy.
const replyAttempts = 2

// call sends one prompt and returns the first reply that holds a JSON object
// accepted by usable (nil accepts any object).
func (f *Funnel) call(ctx context.Context, auditID, stage, prompt string, rec *validate.Recorder, usable func(gjson.Result) bool) (gjson.Result, error) {
	for attempt := 1; attempt <= replyAttempts; attempt++ {
		c, err := f.gw.Complete(ctx, gateway.Request{
			Stage:       stage,
			AuditID:     auditID,
			System:      f.catalog.System,
			Prompt:      prompt,
			CacheSystem: true,
		})
		heartbeat(ctx)
		if err != nil {
			return gjson.Result{}, eris.Wrapf(err, "funnel: %s", stage)
		}
		doc, ok := extractJSON(c.Text)
		if ok && (usable == nil || usable(doc)) {
			return doc, nil
		}
		rec.Record("completion", &validate.Defect{Kind: validate.DefectWrongType, Detail: fmt.Sprintf("unusable %s reply (attempt %d)", stage, attempt)})
	}
	return gjson.Result{}, resilience.NewTransientError(eris.Errorf("funnel: %s: no usable reply after %d attempts", stage, replyAttempts), 0)
}

// StageA writes one BatchInsight per (category, batch, extraction type) that
// does not exist yet. Calls run concurrently up to Concurrency and the stage
// returns only after all of them finished.
func (f *Funnel) StageA(ctx context.Context, auditID string) (err error) {
	ctx, span := f.startSpan(ctx, StageBatch, auditID)
	defer func() { endSpan(span, err) }()
	log := zap.L().With(zap.String("audit_id", auditID), zap.String("stage", StageBatch))

	responses, err := f.store.ListAnalyzedResponses(ctx, auditID)
	if err != nil {
		return eris.Wrap(err, "funnel: stage a: list responses")
	}
	existing, err := f.store.ListBatchInsights(ctx, auditID)
	if err != nil {
		return eris.Wrap(err, "funnel: stage a: list batch insights")
	}
	done := make(map[string]bool, len(existing))
	for _, b := range existing {
		done[batchKey(b.Category, b.Batch, b.Type)] = true
	}

	batches, cats := f.batches(responses)
	rec := validate.NewRecorder(auditID)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)

	var mu sync.Mutex
	written := 0
	for _, cat := range cats {
		for bi, batch := range batches[cat] {
			for _, typ := range f.types() {
				if done[batchKey(cat, bi, typ)] {
					continue
				}
				g.Go(func() error {
					spec := f.catalog.Spec(typ)
					prompt := render(f.catalog.Stages.Batch, map[string]string{
						"type_label":  spec.Label,
						"instruction": spec.Instruction,
						"category":    cat,
						"batch":       strconv.Itoa(bi + 1),
					}) + "\n\n" + formatResponses(batch)

					doc, err := f.call(gCtx, auditID, "stage_a", prompt, rec, nil)
					if err != nil {
						return err
					}
					ids := make([]string, len(batch))
					for i, r := range batch {
						ids[i] = r.ID
					}
					_, err = f.store.SaveBatchInsight(gCtx, model.BatchInsight{
						AuditID:     auditID,
						Category:    cat,
						Batch:       bi,
						Type:        typ,
						Items:       rank(parseItems(doc, rec), 0),
						ResponseIDs: ids,
						CreatedAt:   f.nowFunc(),
					})
					if err != nil {
						return eris.Wrapf(err, "funnel: stage a: save %s", batchKey(cat, bi, typ))
					}
					mu.Lock()
					written++
					mu.Unlock()
					return nil
				})
			}
		}
	}
	err = g.Wait()
	f.keepDefects(ctx, auditID, "stage_a", rec)
	if err != nil {
		return err
	}

	log.Info("stage complete",
		zap.Int("categories", len(cats)),
		zap.Int("responses", len(responses)),
		zap.Int("rows_written", written),
		zap.Int("rows_existing", len(existing)),
		zap.Int("defects", rec.Total()),
	)
	return nil
}

// StageB writes the top-K CategoryInsight for every populated (category,
// extraction type) pair. Every Stage A batch of the category must exist.
func (f *Funnel) StageB(ctx context.Context, auditID string, company model.Company) (err error) {
	ctx, span := f.startSpan(ctx, StageCategory, auditID)
	defer func() { endSpan(span, err) }()
	log := zap.L().With(zap.String("audit_id", auditID), zap.String("stage", StageCategory))

	responses, err := f.store.ListAnalyzedResponses(ctx, auditID)
	if err != nil {
		return eris.Wrap(err, "funnel: stage b: list responses")
	}
	batchRows, err := f.store.ListBatchInsights(ctx, auditID)
	if err != nil {
		return eris.Wrap(err, "funnel: stage b: list batch insights")
	}
	existing, err := f.store.ListCategoryInsights(ctx, auditID)
	if err != nil {
		return eris.Wrap(err, "funnel: stage b: list category insights")
	}

	byKey := make(map[string]model.BatchInsight, len(batchRows))
	for _, b := range batchRows {
		byKey[batchKey(b.Category, b.Batch, b.Type)] = b
	}
	done := make(map[string]bool, len(existing))
	for _, c := range existing {
		done[categoryKey(c.Category, c.Type)] = true
	}

	batches, cats := f.batches(responses)
	for _, cat := range cats {
		for bi := range batches[cat] {
			for _, typ := range f.types() {
				if _, ok := byKey[batchKey(cat, bi, typ)]; !ok {
					return &resilience.StageDependencyError{
						Stage:   StageCategory,
						Missing: fmt.Sprintf("batch insight %s", batchKey(cat, bi, typ)),
					}
				}
			}
		}
	}

	rec := validate.NewRecorder(auditID)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for _, cat := range cats {
		for _, typ := range f.types() {
			if done[categoryKey(cat, typ)] {
				continue
			}
			g.Go(func() error {
				var inputs []model.InsightItem
				for bi := range batches[cat] {
					inputs = append(inputs, byKey[batchKey(cat, bi, typ)].Items...)
				}
				spec := f.catalog.Spec(typ)
				prompt := render(f.catalog.Stages.Category, map[string]string{
					"type_label":  spec.Label,
					"instruction": spec.Instruction,
					"category":    cat,
					"top_k":       strconv.Itoa(f.cfg.TopK),
					"persona":     personaOf(company),
					"company":     company.Name,
				}) + "\n\n" + formatItems(inputs)

				doc, err := f.call(gCtx, auditID, "stage_b", prompt, rec, nil)
				if err != nil {
					return err
				}
				items := rank(parseItems(doc, rec), f.cfg.TopK)
				for i := range items {
					items[i].Categories = unionStrings(items[i].Categories, []string{cat})
				}
				_, err = f.store.SaveCategoryInsight(gCtx, model.CategoryInsight{
					ID:        uuid.New().String(),
					AuditID:   auditID,
					Category:  cat,
					Type:      typ,
					Items:     items,
					CreatedAt: f.nowFunc(),
				})
				return eris.Wrapf(err, "funnel: stage b: save %s", categoryKey(cat, typ))
			})
		}
	}
	err = g.Wait()
	f.keepDefects(ctx, auditID, "stage_b", rec)
	if err != nil {
		return err
	}
	log.Info("stage complete", zap.Int("categories", len(cats)), zap.Int("defects", rec.Total()))
	return nil
}

// StageC writes one StrategicPriority per extraction type from the
// CategoryInsight rows of every populated category.
func (f *Funnel) StageC(ctx context.Context, auditID string, company model.Company) (err error) {
	ctx, span := f.startSpan(ctx, StageStrategic, auditID)
	defer func() { endSpan(span, err) }()
	log := zap.L().With(zap.String("audit_id", auditID), zap.String("stage", StageStrategic))

	responses, err := f.store.ListAnalyzedResponses(ctx, auditID)
	if err != nil {
		return eris.Wrap(err, "funnel: stage c: list responses")
	}
	catRows, err := f.store.ListCategoryInsights(ctx, auditID)
	if err != nil {
		return eris.Wrap(err, "funnel: stage c: list category insights")
	}
	existing, err := f.store.ListStrategicPriorities(ctx, auditID)
	if err != nil {
		return eris.Wrap(err, "funnel: stage c: list priorities")
	}

	byKey := make(map[string]model.CategoryInsight, len(catRows))
	for _, c := range catRows {
		byKey[categoryKey(c.Category, c.Type)] = c
	}
	_, cats := f.batches(responses)
	if len(cats) == 0 {
		log.Info("stage skipped, no analyzed categories")
		return nil
	}
	for _, typ := range f.types() {
		for _, cat := range cats {
			if _, ok := byKey[categoryKey(cat, typ)]; !ok {
				return &resilience.StageDependencyError{
					Stage:   StageStrategic,
					Missing: fmt.Sprintf("category %q (%s)", cat, typ),
				}
			}
		}
	}
	done := make(map[model.ExtractionType]bool, len(existing))
	for _, p := range existing {
		done[p.Type] = true
	}

	rec := validate.NewRecorder(auditID)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for _, typ := range f.types() {
		if done[typ] {
			continue
		}
		g.Go(func() error {
			var inputs []model.InsightItem
			for _, cat := range cats {
				inputs = append(inputs, byKey[categoryKey(cat, typ)].Items...)
			}
			spec := f.catalog.Spec(typ)
			prompt := render(f.catalog.Stages.Strategic, map[string]string{
				"type_label": spec.Label,
				"top_n":      strconv.Itoa(f.cfg.TopN),
				"company":    company.Name,
			}) + "\n\n" + formatItems(inputs)

			doc, err := f.call(gCtx, auditID, "stage_c", prompt, rec, nil)
			if err != nil {
				return err
			}
			_, err = f.store.SaveStrategicPriority(gCtx, model.StrategicPriority{
				ID:        uuid.New().String(),
				AuditID:   auditID,
				Type:      typ,
				Items:     rank(parseItems(doc, rec), f.cfg.TopN),
				Reasoning: doc.Get("reasoning").String(),
				CreatedAt: f.nowFunc(),
			})
			return eris.Wrapf(err, "funnel: stage c: save %s", typ)
		})
	}
	err = g.Wait()
	f.keepDefects(ctx, auditID, "stage_c", rec)
	if err != nil {
		return err
	}
	log.Info("stage complete", zap.Int("types", len(f.types())), zap.Int("defects", rec.Total()))
	return nil
}

// StageD returns the audit's ExecutiveSummary, creating it with one
// synthesis call when it does not exist. An existing summary is returned
// without calling the gateway.
func (f *Funnel) StageD(ctx context.Context, auditID string, company model.Company, scores model.Scores) (_ *model.ExecutiveSummary, err error) {
	ctx, span := f.startSpan(ctx, StageSummary, auditID)
	defer func() { endSpan(span, err) }()

	if existing, err := f.store.GetExecutiveSummary(ctx, auditID); err != nil {
		return nil, eris.Wrap(err, "funnel: stage d: get summary")
	} else if existing != nil {
		return existing, nil
	}

	priorities, err := f.store.ListStrategicPriorities(ctx, auditID)
	if err != nil {
		return nil, eris.Wrap(err, "funnel: stage d: list priorities")
	}
	have := make(map[model.ExtractionType]bool, len(priorities))
	for _, p := range priorities {
		have[p.Type] = true
	}
	for _, typ := range f.types() {
		if !have[typ] {
			return nil, &resilience.StageDependencyError{Stage: StageSummary, Missing: fmt.Sprintf("strategic priority %s", typ)}
		}
	}
	catRows, err := f.store.ListCategoryInsights(ctx, auditID)
	if err != nil {
		return nil, eris.Wrap(err, "funnel: stage d: list category insights")
	}

	prompt := render(f.catalog.Stages.Summary, map[string]string{
		"persona":      personaOf(company),
		"company":      company.Name,
		"overall":      fmt.Sprintf("%.1f", scores.Overall),
		"visibility":   fmt.Sprintf("%.1f", scores.Visibility),
		"geo":          fmt.Sprintf("%.1f", scores.GEO),
		"sov":          fmt.Sprintf("%.1f", scores.SOV),
		"quality_tier": string(scores.DataQualityTier),
	}) + "\n\n" + formatPriorities(priorities) + "\n\n" + formatCategories(catRows)

	rec := validate.NewRecorder(auditID)
	doc, err := f.call(ctx, auditID, "summary", prompt, rec, func(d gjson.Result) bool {
		return d.Get("headline").String() != "" && d.Get("summary").String() != ""
	})
	if err != nil {
		return nil, err
	}
	fields := parseSummary(doc, rec)
	f.keepDefects(ctx, auditID, "summary", rec)

	summary := model.ExecutiveSummary{
		ID:          uuid.New().String(),
		AuditID:     auditID,
		Persona:     personaOf(company),
		Headline:    fields.headline,
		Summary:     fields.summary,
		KeyFindings: fields.keyFindings,
		Scores:      scores,
		CreatedAt:   f.nowFunc(),
	}
	inserted, err := f.store.SaveExecutiveSummary(ctx, summary)
	if err != nil {
		return nil, eris.Wrap(err, "funnel: stage d: save summary")
	}
	if !inserted {
		// Another writer got there first; theirs is the summary.
		return f.store.GetExecutiveSummary(ctx, auditID)
	}
	zap.L().Info("executive summary written",
		zap.String("audit_id", auditID),
		zap.String("stage", StageSummary),
		zap.Int("key_findings", len(summary.KeyFindings)),
	)
	return &summary, nil
}

func personaOf(c model.Company) string {
	if c.Persona == "" {
		return "marketing leader"
	}
	return c.Persona
}
