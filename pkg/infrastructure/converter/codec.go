package converter

import (
	"bytes"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"

	"github.com/TFMV/exprunner/pkg/errors"
	"github.com/TFMV/exprunner/pkg/models"
)

const defaultBatchSize = 1024

// Codec converts result sets to and from Arrow IPC streams.
type Codec struct {
	allocator memory.Allocator
	logger    zerolog.Logger
	batchSize int
}

// NewCodec creates a codec. A nil allocator uses the Go allocator.
func NewCodec(allocator memory.Allocator, logger zerolog.Logger) *Codec {
	if allocator == nil {
		allocator = memory.NewGoAllocator()
	}
	return &Codec{
		allocator: allocator,
		logger:    logger,
		batchSize: defaultBatchSize,
	}
}

// SetBatchSize sets the number of rows per record batch.
func (c *Codec) SetBatchSize(size int) {
	if size > 0 {
		c.batchSize = size
	}
}

// Schema derives the Arrow schema of rs. Every field is nullable.
func Schema(rs *models.ResultSet) *arrow.Schema {
	fields := make([]arrow.Field, len(rs.Columns))
	for i, col := range rs.Columns {
		fields[i] = arrow.Field{
			Name:     col.Name,
			Type:     ArrowType(col.Type),
			Nullable: true,
			Metadata: arrow.NewMetadata([]string{TypeMetadataKey}, []string{col.Type}),
		}
	}
	return arrow.NewSchema(fields, nil)
}

// Encode writes rs as an Arrow IPC stream.
func (c *Codec) Encode(rs *models.ResultSet) ([]byte, error) {
	if rs == nil {
		return nil, errors.New(errors.CodeInvalidRequest, "nil result set")
	}

	schema := Schema(rs)
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(c.allocator))

	builder := array.NewRecordBuilder(c.allocator, schema)
	defer builder.Release()

	flush := func() error {
		rec := builder.NewRecord()
		defer rec.Release()
		return w.Write(rec)
	}

	pending := 0
	for r, row := range rs.Rows {
		if len(row) != len(rs.Columns) {
			w.Close()
			return nil, errors.Newf(errors.CodeInternal, "row %d has %d values for %d columns", r, len(row), len(rs.Columns))
		}
		for i, v := range row {
			if err := appendValue(builder.Field(i), v); err != nil {
				w.Close()
				return nil, errors.Wrapf(err, errors.CodeInternal, "failed to encode row %d column %q", r, rs.Columns[i].Name)
			}
		}
		pending++
		if pending == c.batchSize {
			if err := flush(); err != nil {
				w.Close()
				return nil, errors.Wrap(err, errors.CodeInternal, "failed to write record batch")
			}
			pending = 0
		}
	}
	if pending > 0 {
		if err := flush(); err != nil {
			w.Close()
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to write record batch")
		}
	}

	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to close IPC writer")
	}

	c.logger.Debug().
		Int("rows", len(rs.Rows)).
		Int("columns", len(rs.Columns)).
		Int("bytes", buf.Len()).
		Msg("Encoded result set")
	return buf.Bytes(), nil
}

// Decode reads an Arrow IPC stream written by Encode.
func (c *Codec) Decode(payload []byte) (*models.ResultSet, error) {
	r, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(c.allocator))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to open IPC stream")
	}
	defer r.Release()

	schema := r.Schema()
	rs := &models.ResultSet{
		Columns: make([]models.Column, schema.NumFields()),
		Rows:    [][]any{},
	}
	for i, f := range schema.Fields() {
		typ := f.Type.String()
		if idx := f.Metadata.FindKey(TypeMetadataKey); idx >= 0 {
			typ = f.Metadata.Values()[idx]
		}
		rs.Columns[i] = models.Column{Name: f.Name, Type: typ}
	}

	for r.Next() {
		rec := r.Record()
		for row := 0; row < int(rec.NumRows()); row++ {
			values := make([]any, rec.NumCols())
			for col := range values {
				values[col] = valueAt(rec.Column(col), row)
			}
			rs.Rows = append(rs.Rows, values)
		}
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to read IPC stream")
	}
	return rs, nil
}
