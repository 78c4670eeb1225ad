package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SettlementLine is one row of a bank settlement statement.
type SettlementLine struct {
	Date      time.Time
	Reference string
	Amount    decimal.Decimal
	Method    string
}

// StandardParser reads the plain settlement export:
//
//	date,reference,amount,method
//	2026-05-02,SWIFT-REF-0001,1250.75,wire
type StandardParser struct{}

const (
	standardHeader     = "date,reference,amount,method"
	standardDateFormat = "2006-01-02"
	standardNumFields  = 4
	stdColDate         = 0
	stdColRef          = 1
	stdColAmount       = 2
	stdColMethod       = 3
)

// Format returns the parser name.
func (p *StandardParser) Format() string { return "standard" }

// Parse reads a settlement CSV.
func (p *StandardParser) Parse(r io.Reader) ([]SettlementLine, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = standardNumFields
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading settlement CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	if got := strings.ToLower(strings.Join(records[0], ",")); got != standardHeader {
		return nil, fmt.Errorf("unexpected header %q, want %q", got, standardHeader)
	}

	var lines []SettlementLine
	for i, rec := range records[1:] {
		line, err := parseStandardRow(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func parseStandardRow(rec []string) (SettlementLine, error) {
	date, err := time.Parse(standardDateFormat, rec[stdColDate])
	if err != nil {
		return SettlementLine{}, fmt.Errorf("parsing date %q: %w", rec[stdColDate], err)
	}
	amount, err := decimal.NewFromString(rec[stdColAmount])
	if err != nil {
		return SettlementLine{}, fmt.Errorf("parsing amount %q: %w", rec[stdColAmount], err)
	}
	ref := strings.TrimSpace(rec[stdColRef])
	if ref == "" {
		return SettlementLine{}, fmt.Errorf("empty reference")
	}
	return SettlementLine{
		Date:      date,
		Reference: ref,
		Amount:    amount,
		Method:    strings.TrimSpace(rec[stdColMethod]),
	}, nil
}
