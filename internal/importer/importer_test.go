package importer

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfalak/ledger/internal/ledger"
	"github.com/alfalak/ledger/internal/model"
)

func readFixture(t *testing.T) []SettlementLine {
	t.Helper()
	f, err := os.Open("testdata/settlement.csv")
	require.NoError(t, err)
	defer f.Close()

	lines, err := (&StandardParser{}).Parse(f)
	require.NoError(t, err)
	return lines
}

func TestStandardParser_Parse(t *testing.T) {
	lines := readFixture(t)
	require.Len(t, lines, 4)

	assert.Equal(t, "SWIFT-REF-0001", lines[0].Reference)
	assert.Equal(t, "1250.75", lines[0].Amount.StringFixed(2))
	assert.Equal(t, "wire", lines[0].Method)
	assert.Equal(t, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), lines[0].Date)
	assert.Equal(t, "card", lines[2].Method)
}

func TestStandardParser_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"bad header", "when,ref,amt,how\n", "unexpected header"},
		{"bad date", standardHeader + "\n02/05/2026,SWIFT-REF-0001,1.00,wire\n", "parsing date"},
		{"bad amount", standardHeader + "\n2026-05-02,SWIFT-REF-0001,lots,wire\n", "parsing amount"},
		{"empty reference", standardHeader + "\n2026-05-02, ,1.00,wire\n", "empty reference"},
		{"wrong field count", standardHeader + "\n2026-05-02,SWIFT-REF-0001\n", "wrong number of fields"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&StandardParser{}).Parse(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStandardParser_EmptyFile(t *testing.T) {
	lines, err := (&StandardParser{}).Parse(strings.NewReader(standardHeader + "\n"))
	require.NoError(t, err)
	assert.Nil(t, lines)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get("standard"))
	r.Register(&StandardParser{})
	assert.NotNil(t, r.Get("Standard"))
	assert.Panics(t, func() { r.Register(&StandardParser{}) })
	assert.NotNil(t, DefaultRegistry().Get("standard"))
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	processed := filepath.Join(dir, "import", "processed")
	require.NoError(t, os.MkdirAll(processed, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "import", "may.csv"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "import", "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "import", "June.CSV"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "import", ".draft.csv"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(processed, "april.csv"), []byte("x"), 0o644))

	files, err := Scan(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "June.CSV", files[0].Name)
	assert.Equal(t, "may.csv", files[1].Name)

	files, err = Scan(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, files)
}

func TestMarkProcessed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "import"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "import", "may.csv"), []byte("x"), 0o644))

	require.NoError(t, MarkProcessed(dir, "may.csv"))

	_, err := os.Stat(filepath.Join(dir, "import", "may.csv"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "import", "processed", "may.csv"))
	assert.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "import", "may.csv"), []byte("y"), 0o644))
	assert.ErrorIs(t, MarkProcessed(dir, "may.csv"), fs.ErrExist)
}

func accountWithDeposits(t *testing.T) model.Account {
	t.Helper()
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	a := model.NewAccount("SOVEREIGN-ID-REC001", at)
	deposits := []ledger.DepositParams{
		{Amount: decimal.RequireFromString("1250.75"), Method: "wire", ExternalReference: "swift-ref-0001", Status: model.StatusPending},
		{Amount: decimal.RequireFromString("1000"), Method: "wire", ExternalReference: "SWIFT-REF-0002", Status: model.StatusPending},
		{Amount: decimal.RequireFromString("300"), Method: "card", ExternalReference: "CARD-AUTH-7781"}, // confirmed
		{Amount: decimal.RequireFromString("75"), Method: "wire", ExternalReference: "SWIFT-REF-0009", Status: model.StatusPending},
	}
	for _, p := range deposits {
		p.At = at
		var err error
		a, _, err = ledger.WithDeposit(a, p)
		require.NoError(t, err)
	}
	return a
}

func TestReconcile(t *testing.T) {
	a := accountWithDeposits(t)
	rep := Reconcile(a, readFixture(t))

	assert.Equal(t, "SOVEREIGN-ID-REC001", rep.AccountID)
	require.Len(t, rep.Matched, 1)
	assert.Equal(t, "TX-000001", rep.Matched[0].Deposit.ID)

	require.Len(t, rep.Mismatched, 1)
	assert.Equal(t, "TX-000002", rep.Mismatched[0].Deposit.ID)
	assert.Equal(t, "999.00", rep.Mismatched[0].Line.Amount.StringFixed(2))

	// The card line references a confirmed deposit; only pending ones reconcile.
	require.Len(t, rep.Unmatched, 2)
	assert.Equal(t, "CARD-AUTH-7781", rep.Unmatched[0].Reference)
	assert.Equal(t, "UNKNOWN-REF-42", rep.Unmatched[1].Reference)

	require.Len(t, rep.Outstanding, 1)
	assert.Equal(t, "TX-000004", rep.Outstanding[0].ID)
	assert.False(t, rep.Clean())
}

func TestReconcile_DuplicateLine(t *testing.T) {
	a := accountWithDeposits(t)
	line := SettlementLine{Reference: "SWIFT-REF-0009", Amount: decimal.NewFromInt(75)}
	rep := Reconcile(a, []SettlementLine{line, line})
	assert.Len(t, rep.Matched, 1)
	assert.Len(t, rep.Unmatched, 1)
}

func TestReconcile_DoesNotMutate(t *testing.T) {
	a := accountWithDeposits(t)
	before := a.Clone()
	Reconcile(a, readFixture(t))
	assert.Equal(t, before, a)
}

func TestReport_Clean(t *testing.T) {
	assert.True(t, Report{}.Clean())
}
