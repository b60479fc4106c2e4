package journal

import (
	"fmt"
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// ParquetContentType is the media type of WriteParquet output.
const ParquetContentType = "application/vnd.apache.parquet"

type parquetEntry struct {
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Pool       string `parquet:"name=pool, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteParquet encodes entries as one snappy-compressed parquet file.
// Attributes stay in their JSON form.
func WriteParquet(w io.Writer, entries []Entry) error {
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetEntry), 1)
	if err != nil {
		return fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, entry := range entries {
		row := &parquetEntry{
			ID:         entry.ID.String(),
			Sequence:   int64(entry.Sequence),
			Pool:       entry.Pool,
			Type:       entry.Type,
			Attributes: entry.Attributes,
			CreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			return fmt.Errorf("journal: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("journal: parquet flush: %w", err)
	}
	return nil
}
