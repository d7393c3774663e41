// Command compileq is a small demo entry point: it loads configuration,
// wires up logging and observability, builds an in-memory metadata provider
// with a sample entity, compiles one hardcoded SELECT, and prints the
// resulting FetchXML plus operator pipeline. It gives the config, logging,
// observability, and execruntime packages a real call site to bootstrap
// together.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ha1tch/tsqlparser/ast"

	"sql4dataverse/internal/attrtype"
	"sql4dataverse/internal/compiler"
	"sql4dataverse/internal/config"
	"sql4dataverse/internal/execruntime"
	"sql4dataverse/internal/fetchxml"
	"sql4dataverse/internal/logging"
	"sql4dataverse/internal/metadata"
	"sql4dataverse/internal/observability"
)

func main() {
	if err := run(); err != nil {
		slog.Error("compileq error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	var compilerMetrics *observability.CompilerMetrics
	var runtimeMetrics *observability.RuntimeMetrics
	if cfg.Observability.MetricsEnabled {
		mp, err := observability.InitMeterProvider(observability.Config{
			ServiceName:    cfg.Observability.ServiceName,
			ServiceVersion: cfg.Observability.ServiceVersion,
			Environment:    cfg.Observability.Environment,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		defer mp.Shutdown(context.Background(), logger.Logger)

		if compilerMetrics, err = observability.InitCompilerMetrics(); err != nil {
			return fmt.Errorf("failed to initialize compiler metrics: %w", err)
		}
		if runtimeMetrics, err = observability.InitRuntimeMetrics(); err != nil {
			return fmt.Errorf("failed to initialize runtime metrics: %w", err)
		}
	}

	var tracer *observability.Tracer
	if cfg.Observability.TracingEnabled {
		tp, err := observability.InitTracerProvider(observability.Config{
			ServiceName:      cfg.Observability.ServiceName,
			ServiceVersion:   cfg.Observability.ServiceVersion,
			Environment:      cfg.Observability.Environment,
			TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		defer tp.Shutdown(context.Background(), logger.Logger)
		tracer = observability.NewTracer("sql4dataverse/compiler")
	}

	provider := sampleMetadataProvider()

	// Stands in for "SELECT accountid, name FROM account WHERE revenue >
	// 100000 ORDER BY name"; built directly rather than parsed, since this
	// module's scope is the SelectStatement -> FetchXML lowering, not the
	// T-SQL lexer/parser, which lives upstream in github.com/ha1tch/tsqlparser.
	stmt := &ast.SelectStatement{
		Columns: []ast.SelectColumn{
			{Expression: &ast.QualifiedIdentifier{Parts: []*ast.Identifier{{Value: "accountid"}}}},
			{Expression: &ast.QualifiedIdentifier{Parts: []*ast.Identifier{{Value: "name"}}}},
		},
		From: &ast.FromClause{
			Tables: []ast.TableReference{
				&ast.TableName{Name: &ast.QualifiedIdentifier{Parts: []*ast.Identifier{{Value: "account"}}}},
			},
		},
		Where: &ast.InfixExpression{
			Operator: ">",
			Left:     &ast.QualifiedIdentifier{Parts: []*ast.Identifier{{Value: "revenue"}}},
			Right:    &ast.IntegerLiteral{Value: 100000},
		},
		OrderBy: []*ast.OrderByItem{
			{Expression: &ast.QualifiedIdentifier{Parts: []*ast.Identifier{{Value: "name"}}}},
		},
	}

	options := compiler.Options{
		QuotedIdentifiers:     cfg.Compiler.QuotedIdentifiers,
		TSQLEndpointAvailable: cfg.Compiler.TSQLEndpointAvailable,
		DefaultFetchSize:      cfg.Compiler.DefaultFetchSize,
		Logger:                logger.Logger,
	}
	if compilerMetrics != nil {
		// Assigning a (possibly nil) *observability.CompilerMetrics directly
		// to the CompileMetricsRecorder interface field would leave it
		// non-nil even when metrics are disabled; only set it once we know
		// the pointer is non-nil.
		options.Metrics = compilerMetrics
	}
	if tracer != nil {
		options.Tracer = tracer
	}
	assembler := compiler.NewAssembler(provider, options)

	cq, err := assembler.Compile(stmt)
	if err != nil {
		return fmt.Errorf("failed to compile statement: %w", err)
	}

	fetchXML, err := fetchxml.Marshal(cq.Fetch)
	if err != nil {
		return fmt.Errorf("failed to marshal fetchxml: %w", err)
	}

	logger.Info("compiled query", slog.String("sql", "SELECT accountid, name FROM account WHERE revenue > 100000 ORDER BY name"))
	fmt.Println(string(fetchXML))
	fmt.Println("operator pipeline:")
	for _, op := range cq.Operators {
		fmt.Printf("  - %s\n", compiler.OperatorKind(op))
	}

	var metrics execruntime.MetricsRecorder
	if runtimeMetrics != nil {
		metrics = runtimeMetrics
	}
	runner := execruntime.NewRunner(&echoService{}, metrics)
	rows, err := runner.RunSelect(context.Background(), cq)
	if err != nil {
		return fmt.Errorf("failed to run compiled query: %w", err)
	}
	fmt.Printf("rows: %v\n", rows)

	return nil
}

func sampleMetadataProvider() metadata.Provider {
	return metadata.NewInMemoryProvider(
		metadata.EntityMetadata{
			LogicalName:        "account",
			PrimaryIDAttribute: "accountid",
			Attributes: []metadata.AttributeMetadata{
				{LogicalName: "accountid", AttributeType: attrtype.MetadataUniqueIdentifier, IsValidForRead: true},
				{LogicalName: "name", AttributeType: attrtype.MetadataString, IsValidForRead: true},
				{LogicalName: "revenue", AttributeType: attrtype.MetadataMoney, IsValidForRead: true},
			},
		},
	)
}

// echoService is a trivial OrganizationService that ignores the fetch and
// returns one fixed sample row (accountid, name), just enough to exercise
// execruntime.Runner end to end without a real data platform connection.
type echoService struct{}

func (echoService) Execute(ctx context.Context, fetch *fetchxml.Fetch) (execruntime.Page, error) {
	return execruntime.Page{
		Rows:        []compiler.Row{{"accountid": "00000000-0000-0000-0000-000000000001", "name": "Contoso"}},
		MoreRecords: false,
	}, nil
}

func (echoService) Update(ctx context.Context, entity, idColumn, idValue string, fields map[string]interface{}) error {
	return nil
}

func (echoService) Delete(ctx context.Context, entity string, idColumns, idValues []string) error {
	return nil
}

func (echoService) Create(ctx context.Context, entity string, fields map[string]interface{}) (string, error) {
	return "", nil
}
