package filestore

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alfalak/ledger/internal/model"
)

// Header is the CSV header for transactions.csv.
const Header = "id,kind,amount,timestamp,method,external_reference,status,strategy,split,idempotency_key"

const (
	numFields   = 10
	colID       = 0
	colKind     = 1
	colAmount   = 2
	colTime     = 3
	colMethod   = 4
	colRef      = 5
	colStatus   = 6
	colStrategy = 7
	colSplit    = 8
	colKey      = 9
)

// ReadTransactions reads every entry from a transactions.csv reader.
func ReadTransactions(r io.Reader) ([]model.Transaction, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = numFields

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading transactions CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	if strings.Join(records[0], ",") != Header {
		return nil, fmt.Errorf("unexpected header %q", strings.Join(records[0], ","))
	}

	var txns []model.Transaction
	for i, rec := range records[1:] {
		t, err := UnmarshalTransaction(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		txns = append(txns, t)
	}
	return txns, nil
}

// WriteHeader writes the CSV header.
func WriteHeader(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(strings.Split(Header, ",")); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// AppendTransactions appends entries to an existing transactions.csv (no header).
func AppendTransactions(w io.Writer, txns []model.Transaction) error {
	cw := csv.NewWriter(w)
	for i, t := range txns {
		if err := cw.Write(MarshalTransaction(t)); err != nil {
			return fmt.Errorf("writing row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// MarshalTransaction converts a Transaction to a CSV row.
func MarshalTransaction(t model.Transaction) []string {
	row := make([]string, numFields)
	row[colID] = t.ID
	row[colKind] = string(t.Kind)
	row[colAmount] = t.Amount.String()
	row[colTime] = t.Timestamp.UTC().Format(time.RFC3339Nano)
	row[colMethod] = t.Method
	row[colRef] = t.ExternalReference
	row[colStatus] = string(t.Status)
	row[colStrategy] = string(t.Strategy)
	row[colSplit] = formatSplit(t.Split)
	row[colKey] = t.IdempotencyKey
	return row
}

// UnmarshalTransaction converts a CSV row to a Transaction.
func UnmarshalTransaction(record []string) (model.Transaction, error) {
	if len(record) != numFields {
		return model.Transaction{}, fmt.Errorf("expected %d fields, got %d", numFields, len(record))
	}

	amount, err := decimal.NewFromString(record[colAmount])
	if err != nil {
		return model.Transaction{}, fmt.Errorf("parsing amount %q: %w", record[colAmount], err)
	}
	ts, err := time.Parse(time.RFC3339Nano, record[colTime])
	if err != nil {
		return model.Transaction{}, fmt.Errorf("parsing timestamp %q: %w", record[colTime], err)
	}
	split, err := parseSplit(record[colSplit])
	if err != nil {
		return model.Transaction{}, err
	}

	kind := model.TransactionKind(record[colKind])
	if kind != model.KindDeposit && kind != model.KindAllocation {
		return model.Transaction{}, fmt.Errorf("unknown kind %q", record[colKind])
	}

	return model.Transaction{
		ID:                record[colID],
		Kind:              kind,
		Amount:            amount,
		Timestamp:         ts,
		Method:            record[colMethod],
		ExternalReference: record[colRef],
		Status:            model.DepositStatus(record[colStatus]),
		Strategy:          model.Strategy(record[colStrategy]),
		Split:             split,
		IdempotencyKey:    record[colKey],
	}, nil
}

// formatSplit renders "energy=250;transition=150" in canonical sector order.
func formatSplit(split map[model.Sector]decimal.Decimal) string {
	var parts []string
	for _, s := range model.Sectors() {
		if amt, ok := split[s]; ok {
			parts = append(parts, string(s)+"="+amt.String())
		}
	}
	return strings.Join(parts, ";")
}

func parseSplit(field string) (map[model.Sector]decimal.Decimal, error) {
	if field == "" {
		return nil, nil
	}
	split := make(map[model.Sector]decimal.Decimal)
	for _, part := range strings.Split(field, ";") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("parsing split %q: missing '='", part)
		}
		s, err := model.ParseSector(name)
		if err != nil {
			return nil, fmt.Errorf("parsing split: %w", err)
		}
		amt, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("parsing split amount %q: %w", value, err)
		}
		split[s] = amt
	}
	return split, nil
}
