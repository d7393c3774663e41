package config

// Config holds the application configuration.
type Config struct {
	Compiler      CompilerConfig      `mapstructure:"compiler"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// CompilerConfig holds the options the T-SQL to FetchXML compiler itself
// reads, plus the paging/aggregate-fallback knobs execruntime needs.
type CompilerConfig struct {
	// QuotedIdentifiers controls whether the parser accepts bracketed
	// ([Name]) and double-quoted identifiers in addition to bare ones.
	QuotedIdentifiers bool `mapstructure:"quoted_identifiers"`
	// TSQLEndpointAvailable reports whether a live T-SQL endpoint exists
	// alongside the compiled FetchXML path. It is copied into
	// compiler.Options, which does not consult it, so compilation is the
	// same either way.
	TSQLEndpointAvailable bool `mapstructure:"tsql_endpoint_available"`
	// DefaultFetchSize is the page size used when a SELECT has no
	// explicit TOP/OFFSET-FETCH clause.
	DefaultFetchSize int `mapstructure:"default_fetch_size"`
	// AggregateRowLimit is the row count the platform's aggregate query
	// fault reports. It is loaded and validated only; it is not passed to
	// the compiler, which emits an AggregateAlternative plan for every
	// native aggregate query.
	AggregateRowLimit int `mapstructure:"aggregate_row_limit"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// ObservabilityConfig holds observability bootstrap parameters.
type ObservabilityConfig struct {
	ServiceName      string  `mapstructure:"service_name"`
	ServiceVersion   string  `mapstructure:"service_version"`
	Environment      string  `mapstructure:"environment"`
	MetricsEnabled   bool    `mapstructure:"metrics_enabled"`
	TracingEnabled   bool    `mapstructure:"tracing_enabled"`
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`
}
