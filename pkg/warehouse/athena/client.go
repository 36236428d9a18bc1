// Package athena implements warehouse.Client on Amazon Athena.
package athena

import (
	"context"
	stderrors "errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/models"
	"github.com/TFMV/exprunner/pkg/warehouse"
)

// Athena rejects query strings longer than this.
const maxQueryLength = 262144

// API is the subset of the Athena client the warehouse uses.
type API interface {
	StartQueryExecution(ctx context.Context, in *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, in *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, in *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
	StopQueryExecution(ctx context.Context, in *athena.StopQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StopQueryExecutionOutput, error)
}

// Config configures the Athena warehouse.
type Config struct {
	Region          string `yaml:"region" json:"region" mapstructure:"region"`
	Workgroup       string `yaml:"workgroup" json:"workgroup" mapstructure:"workgroup"`
	Catalog         string `yaml:"catalog" json:"catalog" mapstructure:"catalog"`
	Database        string `yaml:"database" json:"database" mapstructure:"database"`
	OutputLocation  string `yaml:"output_location" json:"output_location" mapstructure:"output_location"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-" mapstructure:"secret_access_key"`
	// MaxColumnsPerQuery bounds the planner's batches.
	MaxColumnsPerQuery int `yaml:"max_columns_per_query" json:"max_columns_per_query" mapstructure:"max_columns_per_query"`
}

// Client submits queries to Athena.
type Client struct {
	api    API
	cfg    Config
	logger zerolog.Logger
}

var _ warehouse.Client = (*Client)(nil)

// NewFromConfig loads AWS configuration the SDK way, with static credentials when configured.
func NewFromConfig(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConnectionFailed, "failed to load AWS configuration")
	}
	return New(athena.NewFromConfig(awsCfg), cfg, logger), nil
}

// New wraps an Athena API implementation.
func New(api API, cfg Config, logger zerolog.Logger) *Client {
	if cfg.MaxColumnsPerQuery <= 0 {
		cfg.MaxColumnsPerQuery = 1000
	}
	return &Client{
		api:    api,
		cfg:    cfg,
		logger: logger.With().Str("component", "athena_warehouse").Logger(),
	}
}

// Capabilities reports Athena's limits. Athena (Trino) computes approx_percentile cheaply.
func (c *Client) Capabilities() warehouse.Capabilities {
	return warehouse.Capabilities{
		Name:                        "athena",
		MaxColumnsPerQuery:          c.cfg.MaxColumnsPerQuery,
		MaxQueryLength:              maxQueryLength,
		SupportsEfficientPercentile: true,
	}
}

// Submit starts a query execution.
func (c *Client) Submit(ctx context.Context, query string, opts warehouse.QueryOptions) (string, error) {
	in := &athena.StartQueryExecutionInput{
		QueryString: aws.String(query),
	}
	if c.cfg.Workgroup != "" {
		in.WorkGroup = aws.String(c.cfg.Workgroup)
	}
	if c.cfg.OutputLocation != "" {
		in.ResultConfiguration = &types.ResultConfiguration{OutputLocation: aws.String(c.cfg.OutputLocation)}
	}

	catalog, database := firstNonEmpty(opts.Catalog, c.cfg.Catalog), firstNonEmpty(opts.Database, c.cfg.Database)
	if catalog != "" || database != "" {
		in.QueryExecutionContext = &types.QueryExecutionContext{}
		if catalog != "" {
			in.QueryExecutionContext.Catalog = aws.String(catalog)
		}
		if database != "" {
			in.QueryExecutionContext.Database = aws.String(database)
		}
	}
	// Pointer ids are UUIDs, long enough to serve as Athena idempotency tokens.
	if token := opts.Tags[warehouse.TagPointerID]; len(token) >= 32 {
		in.ClientRequestToken = aws.String(token)
	}

	out, err := c.api.StartQueryExecution(ctx, in)
	if err != nil {
		return "", classify(err, "failed to start query execution")
	}
	id := aws.ToString(out.QueryExecutionId)

	c.logger.Debug().
		Str("execution_id", id).
		Str("run_id", opts.Tags[warehouse.TagRunID]).
		Msg("Query submitted")
	return id, nil
}

// Poll reads the execution state and, once succeeded, every page of results.
func (c *Client) Poll(ctx context.Context, externalID string) (warehouse.Status, error) {
	out, err := c.api.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
		QueryExecutionId: aws.String(externalID),
	})
	if err != nil {
		return warehouse.Status{}, classify(err, "failed to get query execution")
	}
	if out.QueryExecution == nil || out.QueryExecution.Status == nil {
		return warehouse.Status{State: warehouse.StateQueued}, nil
	}

	st := out.QueryExecution.Status
	switch st.State {
	case types.QueryExecutionStateQueued:
		return warehouse.Status{State: warehouse.StateQueued}, nil
	case types.QueryExecutionStateRunning:
		return warehouse.Status{State: warehouse.StateRunning}, nil
	case types.QueryExecutionStateCancelled:
		return warehouse.Status{State: warehouse.StateCancelled, Reason: aws.ToString(st.StateChangeReason)}, nil
	case types.QueryExecutionStateFailed:
		return warehouse.Status{
			State:     warehouse.StateFailed,
			Reason:    aws.ToString(st.StateChangeReason),
			Transient: st.AthenaError != nil && st.AthenaError.Retryable,
		}, nil
	case types.QueryExecutionStateSucceeded:
		result, err := c.results(ctx, externalID)
		if err != nil {
			return warehouse.Status{}, err
		}
		return warehouse.Status{State: warehouse.StateSucceeded, Result: result}, nil
	default:
		return warehouse.Status{State: warehouse.StateRunning}, nil
	}
}

// Cancel stops a query execution.
func (c *Client) Cancel(ctx context.Context, externalID string) error {
	_, err := c.api.StopQueryExecution(ctx, &athena.StopQueryExecutionInput{
		QueryExecutionId: aws.String(externalID),
	})
	if err != nil {
		return classify(err, "failed to stop query execution")
	}
	c.logger.Debug().Str("execution_id", externalID).Msg("Query cancelled")
	return nil
}

func (c *Client) results(ctx context.Context, externalID string) (*models.ResultSet, error) {
	result := &models.ResultSet{Rows: [][]any{}}
	var token *string
	first := true

	for {
		out, err := c.api.GetQueryResults(ctx, &athena.GetQueryResultsInput{
			QueryExecutionId: aws.String(externalID),
			NextToken:        token,
		})
		if err != nil {
			return nil, classify(err, "failed to get query results")
		}
		if out.ResultSet == nil {
			break
		}

		rows := out.ResultSet.Rows
		if first {
			if md := out.ResultSet.ResultSetMetadata; md != nil {
				for _, ci := range md.ColumnInfo {
					result.Columns = append(result.Columns, models.Column{
						Name: aws.ToString(ci.Name),
						Type: aws.ToString(ci.Type),
					})
				}
			}
			// The first row of the first page repeats the column names.
			if len(rows) > 0 && isHeader(rows[0], result.Columns) {
				rows = rows[1:]
			}
			first = false
		}

		for _, row := range rows {
			values := make([]any, len(row.Data))
			for i, d := range row.Data {
				if d.VarCharValue != nil {
					values[i] = *d.VarCharValue
				}
			}
			result.Rows = append(result.Rows, values)
		}

		token = out.NextToken
		if token == nil {
			break
		}
	}
	return result, nil
}

func isHeader(row types.Row, cols []models.Column) bool {
	if len(cols) == 0 || len(row.Data) != len(cols) {
		return false
	}
	for i, d := range row.Data {
		if aws.ToString(d.VarCharValue) != cols[i].Name {
			return false
		}
	}
	return true
}

// classify maps SDK errors to engine error codes. Throttling becomes TRANSIENT.
func classify(err error, msg string) error {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "SlowDown":
			return errors.Wrap(err, errors.CodeTransient, msg)
		case "InvalidRequestException":
			return errors.Wrap(err, errors.CodeQueryFailed, msg)
		case "ResourceNotFoundException":
			return errors.Wrap(err, errors.CodeNotFound, msg)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return errors.Wrap(err, errors.CodeTransient, msg)
		}
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.Wrap(err, errors.CodeCanceled, msg)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.CodeDeadlineExceeded, msg)
	}
	return errors.Wrap(err, errors.CodeConnectionFailed, msg)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
