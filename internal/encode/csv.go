package encode

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/exportflow/exportflow/internal/domain"
)

type csvEncoder struct {
	buf    *bytes.Buffer
	writer *csv.Writer
	header []string
	rows   int
}

func newCSVEncoder(header []string) (*csvEncoder, error) {
	if len(header) == 0 {
		return nil, fmt.Errorf("header must not be empty")
	}

	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	return &csvEncoder{
		buf:    buf,
		writer: writer,
		header: header,
	}, nil
}

func (e *csvEncoder) Append(records []domain.Record) error {
	row := make([]string, len(e.header))
	for _, record := range records {
		for i, column := range e.header {
			if column == "id" && record.Fields[column] == "" {
				row[i] = record.ID
				continue
			}
			row[i] = record.Fields[column]
		}
		if err := e.writer.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
		e.rows++
	}
	return nil
}

func (e *csvEncoder) Finish() ([]byte, error) {
	e.writer.Flush()
	if err := e.writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return e.buf.Bytes(), nil
}

func (e *csvEncoder) Rows() int { return e.rows }

func (e *csvEncoder) ContentType() string { return "text/csv" }
