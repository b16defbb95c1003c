package writer

import (
	"bytes"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"fundingpool/models"
)

// sessionRow is one funding-rate sample of an archived pool session.
type sessionRow struct {
	SessionID   string  `parquet:"name=session_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Exchange    string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	EnteredAt   int64   `parquet:"name=entered_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ExitedAt    int64   `parquet:"name=exited_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	SampledAt   int64   `parquet:"name=sampled_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	FundingRate float64 `parquet:"name=funding_rate, type=DOUBLE"`
	MarkPrice   float64 `parquet:"name=mark_price, type=DOUBLE"`
	IndexPrice  float64 `parquet:"name=index_price, type=DOUBLE"`
}

// memFile is a write-only source.ParquetFile backed by a buffer.
type memFile struct {
	buf *bytes.Buffer
}

func newMemFile() *memFile { return &memFile{buf: &bytes.Buffer{}} }

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buf.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFile) Write(b []byte) (int, error)               { return m.buf.Write(b) }
func (m *memFile) Close() error                              { return nil }

func encodeSession(s SessionSummary, samples []models.HistorySample) ([]byte, error) {
	mf := newMemFile()
	pw, err := pqwriter.NewParquetWriter(mf, new(sessionRow), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, h := range samples {
		row := sessionRow{
			SessionID:   s.SessionID,
			Exchange:    s.Exchange,
			Symbol:      s.Symbol,
			EnteredAt:   s.EnteredAt.UnixMilli(),
			ExitedAt:    s.ExitedAt.UnixMilli(),
			SampledAt:   h.At.UnixMilli(),
			FundingRate: h.FundingRate,
			MarkPrice:   h.MarkPrice,
			IndexPrice:  h.IndexPrice,
		}
		if err := pw.Write(row); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.buf.Bytes(), nil
}
