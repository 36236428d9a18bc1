package athena

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/warehouse"
)

type mockAPI struct {
	startFn   func(*athena.StartQueryExecutionInput) (*athena.StartQueryExecutionOutput, error)
	getFn     func(*athena.GetQueryExecutionInput) (*athena.GetQueryExecutionOutput, error)
	resultsFn func(*athena.GetQueryResultsInput) (*athena.GetQueryResultsOutput, error)
	stopFn    func(*athena.StopQueryExecutionInput) (*athena.StopQueryExecutionOutput, error)
}

func (m *mockAPI) StartQueryExecution(_ context.Context, in *athena.StartQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error) {
	return m.startFn(in)
}

func (m *mockAPI) GetQueryExecution(_ context.Context, in *athena.GetQueryExecutionInput, _ ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error) {
	return m.getFn(in)
}

func (m *mockAPI) GetQueryResults(_ context.Context, in *athena.GetQueryResultsInput, _ ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error) {
	return m.resultsFn(in)
}

func (m *mockAPI) StopQueryExecution(_ context.Context, in *athena.StopQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StopQueryExecutionOutput, error) {
	return m.stopFn(in)
}

func executionIn(state types.QueryExecutionState, reason string) func(*athena.GetQueryExecutionInput) (*athena.GetQueryExecutionOutput, error) {
	return func(*athena.GetQueryExecutionInput) (*athena.GetQueryExecutionOutput, error) {
		st := &types.QueryExecutionStatus{State: state}
		if reason != "" {
			st.StateChangeReason = aws.String(reason)
		}
		return &athena.GetQueryExecutionOutput{QueryExecution: &types.QueryExecution{Status: st}}, nil
	}
}

func row(values ...string) types.Row {
	r := types.Row{}
	for _, v := range values {
		r.Data = append(r.Data, types.Datum{VarCharValue: aws.String(v)})
	}
	return r
}

func newClient(api API) *Client {
	return New(api, Config{Workgroup: "experiments", Catalog: "AwsDataCatalog", Database: "events"}, zerolog.Nop())
}

func TestClient_Submit(t *testing.T) {
	var got *athena.StartQueryExecutionInput
	c := newClient(&mockAPI{
		startFn: func(in *athena.StartQueryExecutionInput) (*athena.StartQueryExecutionOutput, error) {
			got = in
			return &athena.StartQueryExecutionOutput{QueryExecutionId: aws.String("qe-1")}, nil
		},
	})

	pointerID := "3f0c4a8e-8f34-4a5e-9d6e-0b8a2f7e1c11"
	id, err := c.Submit(context.Background(), "SELECT 1", warehouse.QueryOptions{
		Database: "analytics",
		Tags:     map[string]string{warehouse.TagPointerID: pointerID},
	})
	require.NoError(t, err)
	assert.Equal(t, "qe-1", id)

	require.NotNil(t, got)
	assert.Equal(t, "SELECT 1", aws.ToString(got.QueryString))
	assert.Equal(t, "experiments", aws.ToString(got.WorkGroup))
	assert.Equal(t, "AwsDataCatalog", aws.ToString(got.QueryExecutionContext.Catalog))
	assert.Equal(t, "analytics", aws.ToString(got.QueryExecutionContext.Database))
	assert.Equal(t, pointerID, aws.ToString(got.ClientRequestToken))
}

func TestClient_SubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{
			name: "throttled",
			err:  &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"},
			code: errors.CodeTransient,
		},
		{
			name: "invalid query",
			err:  &smithy.GenericAPIError{Code: "InvalidRequestException", Message: "line 1:8: mismatched input"},
			code: errors.CodeQueryFailed,
		},
		{
			name: "server fault",
			err:  &smithy.GenericAPIError{Code: "InternalServerException", Fault: smithy.FaultServer},
			code: errors.CodeTransient,
		},
		{
			name: "network",
			err:  fmt.Errorf("dial tcp: connection refused"),
			code: errors.CodeConnectionFailed,
		},
		{
			name: "cancelled",
			err:  fmt.Errorf("request send failed: %w", context.Canceled),
			code: errors.CodeCanceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(&mockAPI{
				startFn: func(*athena.StartQueryExecutionInput) (*athena.StartQueryExecutionOutput, error) {
					return nil, tt.err
				},
			})
			_, err := c.Submit(context.Background(), "SELECT 1", warehouse.QueryOptions{})
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}
}

func TestClient_PollStates(t *testing.T) {
	tests := []struct {
		name   string
		state  types.QueryExecutionState
		reason string
		want   warehouse.Status
	}{
		{
			name:  "queued",
			state: types.QueryExecutionStateQueued,
			want:  warehouse.Status{State: warehouse.StateQueued},
		},
		{
			name:  "running",
			state: types.QueryExecutionStateRunning,
			want:  warehouse.Status{State: warehouse.StateRunning},
		},
		{
			name:   "failed",
			state:  types.QueryExecutionStateFailed,
			reason: "COLUMN_NOT_FOUND: line 3:5",
			want:   warehouse.Status{State: warehouse.StateFailed, Reason: "COLUMN_NOT_FOUND: line 3:5"},
		},
		{
			name:   "cancelled",
			state:  types.QueryExecutionStateCancelled,
			reason: "Query cancelled by user",
			want:   warehouse.Status{State: warehouse.StateCancelled, Reason: "Query cancelled by user"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(&mockAPI{getFn: executionIn(tt.state, tt.reason)})
			status, err := c.Poll(context.Background(), "qe-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestClient_PollRetryableFailureIsMarkedTransient(t *testing.T) {
	c := newClient(&mockAPI{
		getFn: func(*athena.GetQueryExecutionInput) (*athena.GetQueryExecutionOutput, error) {
			return &athena.GetQueryExecutionOutput{QueryExecution: &types.QueryExecution{
				Status: &types.QueryExecutionStatus{
					State:             types.QueryExecutionStateFailed,
					StateChangeReason: aws.String("Query exhausted resources at this scale factor"),
					AthenaError:       &types.AthenaError{Retryable: true},
				},
			}}, nil
		},
	})

	status, err := c.Poll(context.Background(), "qe-1")
	require.NoError(t, err)
	assert.Equal(t, warehouse.StateFailed, status.State)
	assert.Equal(t, "Query exhausted resources at this scale factor", status.Reason)
	assert.True(t, status.Transient)
}

func TestClient_PollSucceededReadsAllPages(t *testing.T) {
	var tokens []string
	c := newClient(&mockAPI{
		getFn: executionIn(types.QueryExecutionStateSucceeded, ""),
		resultsFn: func(in *athena.GetQueryResultsInput) (*athena.GetQueryResultsOutput, error) {
			tokens = append(tokens, aws.ToString(in.NextToken))
			if in.NextToken == nil {
				return &athena.GetQueryResultsOutput{
					NextToken: aws.String("page-2"),
					ResultSet: &types.ResultSet{
						ResultSetMetadata: &types.ResultSetMetadata{ColumnInfo: []types.ColumnInfo{
							{Name: aws.String("variation"), Type: aws.String("varchar")},
							{Name: aws.String("m1_sum"), Type: aws.String("double")},
						}},
						Rows: []types.Row{row("variation", "m1_sum"), row("control", "10.5")},
					},
				}, nil
			}
			return &athena.GetQueryResultsOutput{
				ResultSet: &types.ResultSet{Rows: []types.Row{row("treatment", "12.0")}},
			}, nil
		},
	})

	status, err := c.Poll(context.Background(), "qe-1")
	require.NoError(t, err)
	require.Equal(t, warehouse.StateSucceeded, status.State)
	require.NotNil(t, status.Result)

	assert.Equal(t, []string{"", "page-2"}, tokens)
	assert.Equal(t, "m1_sum", status.Result.Columns[1].Name)
	assert.Equal(t, "double", status.Result.Columns[1].Type)
	assert.Equal(t, [][]any{{"control", "10.5"}, {"treatment", "12.0"}}, status.Result.Rows)
}

func TestClient_PollSucceededWithNoRows(t *testing.T) {
	c := newClient(&mockAPI{
		getFn: executionIn(types.QueryExecutionStateSucceeded, ""),
		resultsFn: func(*athena.GetQueryResultsInput) (*athena.GetQueryResultsOutput, error) {
			return &athena.GetQueryResultsOutput{ResultSet: &types.ResultSet{
				ResultSetMetadata: &types.ResultSetMetadata{ColumnInfo: []types.ColumnInfo{
					{Name: aws.String("variation"), Type: aws.String("varchar")},
				}},
				Rows: []types.Row{row("variation")},
			}}, nil
		},
	})

	status, err := c.Poll(context.Background(), "qe-1")
	require.NoError(t, err)
	require.NotNil(t, status.Result)
	assert.Zero(t, status.Result.NumRows())
}

func TestClient_Cancel(t *testing.T) {
	var stopped string
	c := newClient(&mockAPI{
		stopFn: func(in *athena.StopQueryExecutionInput) (*athena.StopQueryExecutionOutput, error) {
			stopped = aws.ToString(in.QueryExecutionId)
			return &athena.StopQueryExecutionOutput{}, nil
		},
	})

	require.NoError(t, c.Cancel(context.Background(), "qe-9"))
	assert.Equal(t, "qe-9", stopped)
}

func TestClient_Capabilities(t *testing.T) {
	caps := newClient(&mockAPI{}).Capabilities()
	assert.Equal(t, "athena", caps.Name)
	assert.Equal(t, 262144, caps.MaxQueryLength)
	assert.Equal(t, 1000, caps.MaxColumnsPerQuery)
}
