// Package router is the single caller entry point. It validates and pins
// models, assembles the ambient-location block into the system turn, walks
// the breaker and governor gates, dispatches to the vendor adapter, performs
// single-shot sibling failover, and emits exactly one telemetry row per
// request. It never inspects or modifies user-message content.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/relay/als"
	"github.com/modelrelay/relay/core"
	"github.com/modelrelay/relay/governor"
	"github.com/modelrelay/relay/resilience"
	"github.com/modelrelay/relay/telemetry"
)

// Options wires the router's process-wide collaborators. Config and at
// least one adapter are required; everything else has a default.
type Options struct {
	Config    *core.Config
	Adapters  []core.Adapter
	Governor  *governor.Governor
	Breakers  *resilience.Set
	Sink      telemetry.Sink
	Logger    core.Logger
	Telemetry core.Telemetry
}

// Router routes normalized requests to vendor adapters.
type Router struct {
	cfg       *core.Config
	adapters  map[core.Vendor]core.Adapter
	governor  *governor.Governor
	breakers  *resilience.Set
	als       *als.Builder
	sink      telemetry.Sink
	logger    core.Logger
	telemetry core.Telemetry
}

// New builds a Router. Governor and breakers default to instances derived
// from the config; the sink defaults to the logger sink.
func New(opts Options) (*Router, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("router requires a config: %w", core.ErrValidation)
	}
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("router requires at least one adapter: %w", core.ErrValidation)
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = &core.NoOpTelemetry{}
	}

	builder, err := als.NewBuilder(logger)
	if err != nil {
		return nil, err
	}

	adapters := make(map[core.Vendor]core.Adapter, len(opts.Adapters))
	for _, a := range opts.Adapters {
		adapters[a.Vendor()] = a
	}

	// Default gates report their counters through the shared collector.
	collector := telemetry.NewCollector(tel)
	gov := opts.Governor
	if gov == nil {
		gcfg := governor.FromCoreConfig(opts.Config, logger)
		gcfg.Metrics = collector
		gov = governor.New(gcfg)
	}
	breakers := opts.Breakers
	if breakers == nil {
		bcfg := resilience.FromCoreConfig(opts.Config, logger)
		bcfg.Metrics = collector
		breakers = resilience.NewSet(bcfg)
	}
	sink := opts.Sink
	if sink == nil {
		sink = telemetry.NewLoggerSink(logger)
	}

	return &Router{
		cfg:       opts.Config,
		adapters:  adapters,
		governor:  gov,
		breakers:  breakers,
		als:       builder,
		sink:      sink,
		logger:    logger,
		telemetry: tel,
	}, nil
}

// Complete is the single caller operation. One telemetry row is emitted per
// invocation, success or failure.
func (r *Router) Complete(ctx context.Context, req *core.Request) (*core.Response, error) {
	ctx, span := r.telemetry.StartSpan(ctx, "router.complete")
	defer span.End()

	start := time.Now()
	req = req.Clone()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	span.SetAttribute("request.id", req.RequestID)

	record := &telemetry.Record{
		TS:        start,
		RequestID: req.RequestID,
		TenantID:  req.TenantID,
		Grounded:  req.Grounded,
		JSONMode:  req.JSONMode,
		Model:     req.Model,
		Meta: telemetry.Meta{
			FeatureFlags: r.cfg.FeatureFlags(),
			RuntimeFlags: map[string]interface{}{},
			ABBucket:     r.cfg.ABBucket,
		},
	}

	resp, err := r.complete(ctx, req, record)

	record.LatencyMS = time.Since(start).Milliseconds()
	record.Success = err == nil
	if err != nil {
		span.RecordError(err)
		record.ErrorCode = core.ErrorCode(err)
	}
	// Pricing keys off the dispatched model name; the record's model field
	// then takes the provider-reported version string.
	billedModel := record.Model
	if resp != nil {
		fillFromResponse(record, resp)
	}
	record.CostEstCents = telemetry.EstimateCostCents(billedModel, record.TokensIn, record.TokensOut)

	if emitErr := r.sink.Emit(ctx, record); emitErr != nil {
		r.logger.Error("telemetry emission failed", map[string]interface{}{
			"operation":  "router_telemetry_failed",
			"request_id": record.RequestID,
			"error":      emitErr.Error(),
		})
	}
	return resp, err
}

func (r *Router) complete(ctx context.Context, req *core.Request, record *telemetry.Record) (*core.Response, error) {
	if len(req.Messages) == 0 || req.UserMessage() == nil {
		return nil, fmt.Errorf("request carries no user message: %w", core.ErrValidation)
	}

	vendor := req.Vendor
	if vendor == "" {
		inferred, err := inferVendor(req.Model)
		if err != nil {
			return nil, err
		}
		vendor = inferred
	}
	if _, ok := r.adapters[vendor]; !ok {
		return nil, fmt.Errorf("no adapter configured for vendor %q: %w", vendor, core.ErrUnknownModel)
	}
	record.Vendor = vendor

	if !r.modelAllowed(vendor, req.Model) {
		return nil, fmt.Errorf("model %q: %w", req.Model, core.ErrModelNotAllowed)
	}

	if model, adjusted := r.applyGroundingAdjustment(vendor, req.Model, req.Grounded); adjusted {
		record.Meta.ModelAdjustedForGrounding = true
		record.Meta.OriginalModel = req.Model
		req.Model = model
	}
	record.Model = req.Model
	req.Vendor = vendor

	if req.ALSContext != nil {
		if err := r.assembleALS(req, record); err != nil {
			return nil, err
		}
	}

	vendorPath := []string{string(vendor)}
	resp, err := r.dispatch(ctx, vendor, req, record)

	if err != nil && r.cfg.FailoverEnabled && failoverEligible(err) {
		if sibling, ok := siblingVendor(vendor); ok {
			if _, has := r.adapters[sibling]; has {
				record.Meta.FailoverReason = core.ErrorCode(err)
				vendorPath = append(vendorPath, string(sibling))
				r.logger.Warn("failing over to sibling vendor", map[string]interface{}{
					"operation":  "router_failover",
					"request_id": req.RequestID,
					"primary":    string(vendor),
					"sibling":    string(sibling),
					"reason":     record.Meta.FailoverReason,
				})
				// Same model family, same messages; only the surface
				// changes.
				resp, err = r.dispatch(ctx, sibling, req, record)
				if err == nil {
					record.Vendor = sibling
				}
			}
		}
	}
	record.Meta.VendorPath = vendorPath
	return resp, err
}

// assembleALS renders the ambient block and places it in the system turn,
// synthesizing one when absent. Unsupported countries skip the block and the
// request proceeds with als_present=false. User turns are never touched.
func (r *Router) assembleALS(req *core.Request, record *telemetry.Record) error {
	block, err := r.als.Build(als.Input{
		CountryCode: req.ALSContext.CountryCode,
		TZOverride:  req.ALSContext.Timezone,
	})
	if errors.Is(err, core.ErrCountryNotSupported) {
		r.logger.Warn("ambient block skipped for unsupported country", map[string]interface{}{
			"operation":  "router_als_skipped",
			"request_id": req.RequestID,
			"country":    req.ALSContext.CountryCode,
		})
		return nil
	}
	if err != nil {
		return err
	}

	prepended := false
	for i := range req.Messages {
		if req.Messages[i].Role == core.RoleSystem {
			req.Messages[i].Content = block.RenderedText + "\n\n" + req.Messages[i].Content
			prepended = true
			break
		}
	}
	if !prepended {
		req.Messages = append([]core.Message{{Role: core.RoleSystem, Content: block.RenderedText}}, req.Messages...)
	}

	record.Meta.ALSPresent = true
	record.Meta.ALSCountry = block.CountryCode
	record.Meta.ALSVariantID = block.VariantID
	record.Meta.ALSBlockSHA256 = block.SHA256
	record.Meta.ALSNFCLength = block.NFCLength
	return nil
}

// dispatch walks breaker and governor gates, then invokes the adapter. The
// breaker sees every vendor outcome; governor reservations are settled with
// actual token usage.
func (r *Router) dispatch(ctx context.Context, vendor core.Vendor, req *core.Request, record *telemetry.Record) (*core.Response, error) {
	breaker := r.breakers.For(vendor, req.Model)
	if err := breaker.Allow(); err != nil {
		return nil, err
	}

	lease, err := r.governor.Acquire(ctx, vendor, req.Grounded)
	if err != nil {
		// The vendor was never called; a granted half-open probe goes
		// back to the pool.
		breaker.Abandon()
		return nil, err
	}
	if lease.Bypassed {
		record.Meta.RuntimeFlags["semaphore_bypass"] = true
	}

	resp, err := r.adapters[vendor].Complete(ctx, req)
	breaker.Record(err)

	actual := 0
	if resp != nil {
		actual = resp.Usage.TotalTokens
	}
	lease.Release(actual)
	return resp, err
}

// failoverEligible limits failover to transient transport failures and open
// circuits. Validation, auth and grounding policy errors always surface
// directly.
func failoverEligible(err error) bool {
	return core.CountsForBreaker(err) || errors.Is(err, core.ErrCircuitOpen)
}

// fillFromResponse copies adapter-reported provenance into the record.
func fillFromResponse(record *telemetry.Record, resp *core.Response) {
	if resp.ModelVersion != "" {
		record.Model = resp.ModelVersion
	}
	record.TokensIn = resp.Usage.PromptTokens
	record.TokensOut = resp.Usage.CompletionTokens
	record.Meta.GroundedEffective = resp.GroundedEffective

	meta := resp.Metadata
	if meta == nil {
		return
	}
	if v, ok := meta["response_api"].(string); ok {
		record.Meta.ResponseAPI = v
	}
	if v, ok := meta["tool_call_count"].(int); ok {
		record.Meta.ToolCallCount = v
	}
	if v, ok := meta["anchored_citations_count"].(int); ok {
		record.Meta.AnchoredCitationsCount = v
	}
	if v, ok := meta["unlinked_sources_count"].(int); ok {
		record.Meta.UnlinkedSourcesCount = v
	}
	if v, ok := meta["citations_shape_set"].([]string); ok {
		record.Meta.CitationsShapeSet = v
	}
	if v, ok := meta["why_not_grounded"].(string); ok {
		record.Meta.WhyNotGrounded = v
	}
}
