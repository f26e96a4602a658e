// Package security scores extensions across resource limits, code signing,
// permissions and known vulnerabilities, and caches the results.
package security

import (
	"context"
	"fmt"
	"math"

	"github.com/platinummonkey/plexus/pkg/extensions"
	"github.com/platinummonkey/plexus/pkg/observability"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Sub-score weights; they sum to 1
const (
	weightResources       = 0.20
	weightCodeSigning     = 0.30
	weightPermissions     = 0.25
	weightVulnerabilities = 0.25
)

// PassThreshold is the minimum score for a passing validation
const PassThreshold = 70.0

// Score ceilings applied when a blocking finding exists
const (
	ceilingCompromised = 40.0
	ceilingBlocked     = PassThreshold - 1
)

// Pipeline runs the four sub-validators and aggregates their scores
type Pipeline struct {
	opts    Options
	cache   *ResultCache
	logger  *logrus.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewPipeline creates a pipeline. logger and metrics may be nil.
func NewPipeline(opts Options, logger *logrus.Logger, metrics *observability.Metrics) *Pipeline {
	defaults := DefaultOptions()
	if opts.Limits == (Limits{}) {
		opts.Limits = defaults.Limits
	}
	if opts.TrustedCAs == nil {
		opts.TrustedCAs = defaults.TrustedCAs
	}
	if opts.CriticalPermissions == nil {
		opts.CriticalPermissions = defaults.CriticalPermissions
	}
	if opts.MaxSignatureAge == 0 {
		opts.MaxSignatureAge = defaults.MaxSignatureAge
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaults.CacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaults.CacheSize
	}

	return &Pipeline{
		opts:    opts,
		cache:   NewResultCache(opts.CacheSize, opts.CacheTTL),
		logger:  observability.OrDefault(logger),
		metrics: metrics,
		tracer:  otel.Tracer("github.com/platinummonkey/plexus/pkg/security"),
	}
}

// Validate scores ext. A cached result for the same key is returned
// unchanged, including its ValidationTimestamp.
func (p *Pipeline) Validate(ctx context.Context, ext *extensions.Extension) (*ValidationResult, error) {
	if ext == nil {
		return nil, &extensions.ValidationError{Field: "extension", Message: "extension cannot be nil"}
	}

	_, span := p.tracer.Start(ctx, "security.Validate", trace.WithAttributes(
		attribute.String("extension.name", ext.Name),
		attribute.String("extension.version", ext.Version),
	))
	defer span.End()

	key := CacheKey(ext)
	if cached, ok := p.cache.Get(key); ok {
		p.metrics.RecordCacheLookup(true)
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}
	p.metrics.RecordCacheLookup(false)

	result := p.evaluate(ext)
	if err := p.cache.Add(key, result); err != nil {
		return nil, fmt.Errorf("failed to cache validation result: %w", err)
	}

	p.metrics.RecordValidation(result.Passed, result.SecurityScore)
	span.SetAttributes(
		attribute.Bool("cache.hit", false),
		attribute.Float64("security.score", result.SecurityScore),
		attribute.Bool("security.passed", result.Passed),
	)

	entry := p.logger.WithFields(logrus.Fields{
		"extension": ext.Name,
		"version":   ext.Version,
		"score":     result.SecurityScore,
	})
	if result.Passed {
		entry.Infof("Security validation passed")
	} else {
		entry.Warnf("Security validation failed with %d vulnerabilities and %d unauthorized permissions",
			len(result.Vulnerabilities), len(result.PermissionValidation.UnauthorizedPermissions))
	}

	return result, nil
}

func (p *Pipeline) evaluate(ext *extensions.Extension) *ValidationResult {
	result := &ValidationResult{
		ExtensionID:              ext.ExtensionID,
		ResourceLimitsValidation: validateResourceLimits(p.opts.Limits, ext.Security),
		CodeSigningValidation:    validateCodeSigning(p.opts, ext.Security.CodeSigning),
		PermissionValidation:     validatePermissions(p.opts, ext.Security.Permissions),
		VulnerabilityScan:        scanVulnerabilities(p.opts, ext),
		ValidationTimestamp:      p.opts.now(),
	}
	result.Vulnerabilities = append([]Vulnerability{}, result.VulnerabilityScan.Findings...)

	score := weightResources*result.ResourceLimitsValidation.Score +
		weightCodeSigning*result.CodeSigningValidation.Score +
		weightPermissions*result.PermissionValidation.Score +
		weightVulnerabilities*result.VulnerabilityScan.Score

	criticalVulns := result.VulnerabilityScan.CountUnresolved(SeverityCritical)
	highVulns := result.VulnerabilityScan.CountUnresolved(SeverityHigh)
	unauthorizedHighRisk := result.PermissionValidation.HasUnauthorizedHighRisk()

	if result.CodeSigningValidation.Tampered || criticalVulns > 0 {
		score = math.Min(score, ceilingCompromised)
	}
	if !result.ResourceLimitsValidation.Passed() || highVulns > 0 || unauthorizedHighRisk {
		score = math.Min(score, ceilingBlocked)
	}

	result.SecurityScore = math.Round(clampScore(score)*100) / 100
	result.Passed = result.SecurityScore >= PassThreshold &&
		criticalVulns == 0 && highVulns == 0 &&
		!unauthorizedHighRisk

	var recs []string
	recs = append(recs, result.ResourceLimitsValidation.Recommendations...)
	recs = append(recs, result.CodeSigningValidation.Recommendations...)
	recs = append(recs, result.PermissionValidation.Recommendations...)
	recs = append(recs, result.VulnerabilityScan.Recommendations...)
	result.Recommendations = dedupe(recs)

	return result
}

// Invalidate drops the cached result for ext
func (p *Pipeline) Invalidate(ext *extensions.Extension) {
	if ext != nil {
		p.cache.Remove(CacheKey(ext))
	}
}

// CacheStats returns validation cache counters
func (p *Pipeline) CacheStats() CacheStats {
	return p.cache.Stats()
}

// FailureReasons summarizes why a result did not pass
func FailureReasons(r *ValidationResult) []string {
	var reasons []string
	if r.SecurityScore < PassThreshold {
		reasons = append(reasons, fmt.Sprintf("security score %.1f below %.0f", r.SecurityScore, PassThreshold))
	}
	if n := r.VulnerabilityScan.CountUnresolved(SeverityCritical); n > 0 {
		reasons = append(reasons, fmt.Sprintf("%d unresolved critical vulnerabilities", n))
	}
	if n := r.VulnerabilityScan.CountUnresolved(SeverityHigh); n > 0 {
		reasons = append(reasons, fmt.Sprintf("%d unresolved high vulnerabilities", n))
	}
	if r.PermissionValidation.HasUnauthorizedHighRisk() {
		reasons = append(reasons, "unauthorized high-risk permissions")
	}
	return reasons
}
