package quarry

import (
	"github.com/quarrydb/quarry/analyzer"
	"github.com/quarrydb/quarry/embed"
	"github.com/quarrydb/quarry/internal/build"
	"github.com/quarrydb/quarry/internal/search"
)

// BuildOptions tunes the index builder.
type BuildOptions = build.Options

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	analyzer         analyzer.Analyzer
	embedder         embed.Embedder
	typo             search.TypoConfig
	searchWorkers    int
	buildOptions     []func(*BuildOptions)
}

// Option configures engine construction.
type Option func(*options)

// WithLogger configures structured logging. If nil is passed, logging is
// disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector configures operational metrics collection.
//
// If nil is passed, NoopMetricsCollector is used.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithAnalyzer replaces the standard analyzer. The analyzer must be
// deterministic: identical input must tokenize identically within a
// generation, or postings and query resolution drift apart.
func WithAnalyzer(a analyzer.Analyzer) Option {
	return func(o *options) {
		if a != nil {
			o.analyzer = a
		}
	}
}

// WithEmbedder configures the embedding collaborator for the schema's
// vector field. Without one, only documents carrying precomputed numeric
// vectors are vector-indexed.
func WithEmbedder(e embed.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithTypoConfig replaces the default typo-tolerance policy.
func WithTypoConfig(cfg TypoConfig) Option {
	return func(o *options) {
		o.typo = cfg
	}
}

// WithSearchWorkers bounds the parallel fan-out of term and filter
// resolution per query.
func WithSearchWorkers(n int) Option {
	return func(o *options) {
		o.searchWorkers = n
	}
}

// WithBuildOptions tunes the index builder (worker count, sorter memory
// budget, spill directory, embedding rate limit, strict embedding).
func WithBuildOptions(fn func(o *BuildOptions)) Option {
	return func(o *options) {
		o.buildOptions = append(o.buildOptions, fn)
	}
}
