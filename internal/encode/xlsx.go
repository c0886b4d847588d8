package encode

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/exportflow/exportflow/internal/domain"
)

const sheetName = "Export"

type xlsxEncoder struct {
	file    *excelize.File
	header  []string
	nextRow int
	rows    int
}

func newXLSXEncoder(header []string) (*xlsxEncoder, error) {
	if len(header) == 0 {
		return nil, fmt.Errorf("header must not be empty")
	}

	file := excelize.NewFile()
	if index, _ := file.GetSheetIndex(sheetName); index == -1 {
		if _, err := file.NewSheet(sheetName); err != nil {
			return nil, fmt.Errorf("create sheet: %w", err)
		}
	}
	index, _ := file.GetSheetIndex(sheetName)
	file.SetActiveSheet(index)
	if defaultIndex, _ := file.GetSheetIndex("Sheet1"); defaultIndex != -1 {
		_ = file.DeleteSheet("Sheet1")
	}

	e := &xlsxEncoder{
		file:    file,
		header:  header,
		nextRow: 2,
	}
	for i, column := range header {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, fmt.Errorf("header cell name: %w", err)
		}
		if err := file.SetCellValue(sheetName, cell, column); err != nil {
			return nil, fmt.Errorf("write header cell: %w", err)
		}
	}
	return e, nil
}

func (e *xlsxEncoder) Append(records []domain.Record) error {
	for _, record := range records {
		for i, column := range e.header {
			value := record.Fields[column]
			if column == "id" && value == "" {
				value = record.ID
			}
			cell, err := excelize.CoordinatesToCellName(i+1, e.nextRow)
			if err != nil {
				return fmt.Errorf("cell name: %w", err)
			}
			if err := e.file.SetCellValue(sheetName, cell, value); err != nil {
				return fmt.Errorf("write cell: %w", err)
			}
		}
		e.nextRow++
		e.rows++
	}
	return nil
}

func (e *xlsxEncoder) Finish() ([]byte, error) {
	buf, err := e.file.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *xlsxEncoder) Rows() int { return e.rows }

func (e *xlsxEncoder) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}
