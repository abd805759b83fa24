package ofx

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// sampleStatement is a bank-style QFX export: colon-delimited header, SGML
// body with unclosed leaf tags, a vendor extension tag, and timezone-suffixed
// dates.
const sampleStatement = `OFXHEADER:100
DATA:OFXSGML
VERSION:102
SECURITY:NONE
ENCODING:USASCII
CHARSET:1252

<OFX>
<SIGNONMSGSRSV1>
<SONRS>
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<DTSERVER>20250801120000
<LANGUAGE>ENG
<INTU.BID>02102
</SONRS>
</SIGNONMSGSRSV1>
<BANKMSGSRSV1>
<STMTTRNRS>
<TRNUID>1
<STMTRS>
<CURDEF>USD
<BANKACCTFROM>
<BANKID>021000021
<ACCTID>4567891234
<ACCTTYPE>CHECKING
</BANKACCTFROM>
<BANKTRANLIST>
<DTSTART>20250701
<DTEND>20250731
<STMTTRN>
<TRNTYPE>CREDIT
<DTPOSTED>20250703120000[-5:EST]
<TRNAMT>1250.75
<FITID>2025070301
<NAME>MERCHPAYOUT BANKCARD DEP
<MEMO>MERCH SETTLEMENT 4452
</STMTTRN>
<STMTTRN>
<TRNTYPE>CREDIT
<DTPOSTED>20250705
<TRNAMT>875.50
<FITID>2025070502
<NAME>BRANCH DEPOSIT
</STMTTRN>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20250710
<TRNAMT>-45.00
<FITID>2025071003
<NAME>SERVICE CHARGE
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>10500.25
<DTASOF>20250731
</LEDGERBAL>
</STMTRS>
</STMTTRNRS>
</BANKMSGSRSV1>
</OFX>
`

func TestParseSampleStatement(t *testing.T) {
	stmt, err := Parse(sampleStatement)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if stmt.AccountNumber != "4567891234" {
		t.Errorf("account number = %q, want 4567891234", stmt.AccountNumber)
	}
	if stmt.RoutingNumber != "021000021" {
		t.Errorf("routing number = %q, want 021000021", stmt.RoutingNumber)
	}
	if stmt.Header["OFXHEADER"] != "100" {
		t.Errorf("header OFXHEADER = %q, want 100", stmt.Header["OFXHEADER"])
	}
	if stmt.Header["VERSION"] != "102" {
		t.Errorf("header VERSION = %q, want 102", stmt.Header["VERSION"])
	}

	if !stmt.Balance.Equal(decimal.RequireFromString("10500.25")) {
		t.Errorf("balance = %s, want 10500.25", stmt.Balance)
	}
	wantAsOf := time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC)
	if !stmt.BalanceAsOf.Equal(wantAsOf) {
		t.Errorf("balance as-of = %s, want %s", stmt.BalanceAsOf, wantAsOf)
	}

	if len(stmt.Transactions) != 3 {
		t.Fatalf("got %d transactions, want 3", len(stmt.Transactions))
	}

	first := stmt.Transactions[0]
	if first.ExternalID != "2025070301" {
		t.Errorf("first FITID = %q, want 2025070301", first.ExternalID)
	}
	if !first.Amount.Equal(decimal.RequireFromString("1250.75")) {
		t.Errorf("first amount = %s, want 1250.75", first.Amount)
	}
	wantPosted := time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)
	if !first.PostedDate.Equal(wantPosted) {
		t.Errorf("first posted date = %s, want %s", first.PostedDate, wantPosted)
	}
	if first.Name != "MERCHPAYOUT BANKCARD DEP" {
		t.Errorf("first name = %q", first.Name)
	}
	if first.Memo != "MERCH SETTLEMENT 4452" {
		t.Errorf("first memo = %q", first.Memo)
	}

	second := stmt.Transactions[1]
	if second.Memo != "" {
		t.Errorf("second memo = %q, want empty", second.Memo)
	}
	if !second.Amount.Equal(decimal.RequireFromString("875.50")) {
		t.Errorf("second amount = %s, want 875.50", second.Amount)
	}

	third := stmt.Transactions[2]
	if !third.Amount.IsNegative() {
		t.Errorf("third amount = %s, want negative", third.Amount)
	}
}

func TestParseRejectsBrokenInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty input", ""},
		{"no root tag", "OFXHEADER:100\nDATA:OFXSGML\n"},
		{"missing account number", "<OFX><BANKTRANLIST><STMTTRN><TRNAMT>10.00</STMTTRN></BANKTRANLIST></OFX>"},
		{"missing transaction list", "<OFX><BANKACCTFROM><ACCTID>123</BANKACCTFROM></OFX>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var malformed *MalformedStatementError
			if !errors.As(err, &malformed) {
				t.Errorf("error type = %T, want *MalformedStatementError", err)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		input string
		want  time.Time
	}{
		{"20250703", time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)},
		{"20250703120000", time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)},
		{"20250703120000[-5:EST]", time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)},
		{"  20250703  ", time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)},
		{"", time.Time{}},
		{"not a date", time.Time{}},
		{"2025", time.Time{}},
		{"20251399", time.Time{}},
	}

	for _, tt := range tests {
		got := ParseDate(tt.input)
		if !got.Equal(tt.want) {
			t.Errorf("ParseDate(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "1250.75", want: "1250.75"},
		{input: "1,250.75", want: "1250.75"},
		{input: "$99", want: "99"},
		{input: "-45.00", want: "-45"},
		{input: " 12.50 ", want: "12.5"},
		{input: "", wantErr: true},
		{input: "abc", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseAmount(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAmount(%q): expected error, got %s", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAmount(%q) failed: %v", tt.input, err)
			continue
		}
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("ParseAmount(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestParseRecoversFromTagSoup(t *testing.T) {
	// A body with indented, partially closed and dotted tags should parse
	// after the normalization retry.
	input := `OFXHEADER:100

<OFX>
  <BANKACCTFROM>
    <BANKID>121000358</BANKID>
    <ACCTID>999000111
  </BANKACCTFROM>
  <BANKTRANLIST>
    <STMTTRN>
      <DTPOSTED>20250712
      <TRNAMT>310.00
      <FITID>A-1
      <NAME>Jane Doe<MEMO>Tip
    </STMTTRN>
  </BANKTRANLIST>
</OFX>
`
	stmt, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if stmt.AccountNumber != "999000111" {
		t.Errorf("account number = %q, want 999000111", stmt.AccountNumber)
	}
	if len(stmt.Transactions) != 1 {
		t.Fatalf("got %d transactions, want 1", len(stmt.Transactions))
	}
	txn := stmt.Transactions[0]
	if txn.Name != "Jane Doe" || txn.Memo != "Tip" {
		t.Errorf("name/memo = %q/%q, want Jane Doe/Tip", txn.Name, txn.Memo)
	}
	if !txn.Amount.Equal(decimal.RequireFromString("310.00")) {
		t.Errorf("amount = %s, want 310.00", txn.Amount)
	}
}
