package ofx

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearledger/deposit-reconciler/internal/models"
)

// MalformedStatementError means a statement file could not be understood,
// even after normalization, or is missing a required section.
type MalformedStatementError struct {
	Reason string
	Err    error
}

func (e *MalformedStatementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed statement: %s: %v", e.Reason, e.Err)
	}
	return "malformed statement: " + e.Reason
}

func (e *MalformedStatementError) Unwrap() error { return e.Err }

// OFX dates are encoded as YYYYMMDD with optional trailing time-of-day and
// timezone digits; only the first 8 digits are significant.
var datePrefixPattern = regexp.MustCompile(`^(\d{8})`)

// Parse turns one raw statement file into a typed ParsedStatement. The input
// is split into the colon-delimited header (before the <OFX> root) and the
// SGML body. The body is parsed as-is first; on failure it is normalized and
// retried exactly once. A statement without a transaction list is rejected; a
// statement without a ledger balance yields a zero balance.
func Parse(raw string) (*models.ParsedStatement, error) {
	rootIdx := strings.Index(strings.ToUpper(raw), "<OFX>")
	if rootIdx < 0 {
		return nil, &MalformedStatementError{Reason: "no <OFX> root tag"}
	}

	header := parseHeader(raw[:rootIdx])
	body := raw[rootIdx:]

	tree, err := buildTree(body)
	if err != nil || tree.find("BANKTRANLIST") == nil {
		tree, err = buildTree(Normalize(body))
		if err != nil {
			return nil, &MalformedStatementError{Reason: "body does not parse", Err: err}
		}
	}

	acct := tree.find("ACCTID")
	if acct == nil || strings.TrimSpace(acct.text) == "" {
		return nil, &MalformedStatementError{Reason: "missing account number (ACCTID)"}
	}

	tranList := tree.find("BANKTRANLIST")
	if tranList == nil {
		return nil, &MalformedStatementError{Reason: "missing transaction list (BANKTRANLIST)"}
	}

	stmt := &models.ParsedStatement{
		AccountNumber: strings.TrimSpace(acct.text),
		Header:        header,
	}
	if bank := tree.find("BANKID"); bank != nil {
		stmt.RoutingNumber = strings.TrimSpace(bank.text)
	}

	for _, trn := range tranList.findAll("STMTTRN") {
		amount, err := ParseAmount(trn.childText("TRNAMT"))
		if err != nil {
			continue
		}
		stmt.Transactions = append(stmt.Transactions, models.RawTransaction{
			ExternalID: trn.childText("FITID"),
			Amount:     amount,
			PostedDate: ParseDate(trn.childText("DTPOSTED")),
			Memo:       trn.childText("MEMO"),
			Name:       trn.childText("NAME"),
		})
	}

	// Ledger balance is optional context; transactions are the load-bearing data.
	if ledger := tree.find("LEDGERBAL"); ledger != nil {
		if bal, err := ParseAmount(ledger.childText("BALAMT")); err == nil {
			stmt.Balance = bal
		}
		stmt.BalanceAsOf = ParseDate(ledger.childText("DTASOF"))
	}

	return stmt, nil
}

// parseHeader reads the colon-delimited key:value block preceding the root
// tag. Header attributes are diagnostics only, never business logic.
func parseHeader(text string) map[string]string {
	header := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			continue
		}
		header[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return header
}

// ParseDate extracts the YYYYMMDD prefix of an OFX date field. Returns the
// zero time when the field is missing or unparseable; callers decide whether
// that means drop or default.
func ParseDate(s string) time.Time {
	m := datePrefixPattern.FindString(strings.TrimSpace(s))
	if m == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation("20060102", m, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseAmount converts an OFX amount string to a decimal. Some exporters emit
// thousands separators and currency symbols; strip those first.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty amount")
	}
	return decimal.NewFromString(s)
}

// node is a minimal element tree. OFX nesting is unreliable even after
// normalization, so lookups search descendants rather than fixed paths.
type node struct {
	name     string
	text     string
	children []*node
}

// buildTree walks the body with a lenient XML tokenizer. Mismatched closing
// tags pop the stack back to the nearest matching open element and stray
// closes are ignored.
func buildTree(body string) (*node, error) {
	dec := xml.NewDecoder(strings.NewReader(body))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity

	root := &node{name: "#document"}
	stack := []*node{root}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child := &node{name: strings.ToUpper(t.Name.Local)}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, child)
			stack = append(stack, child)
		case xml.EndElement:
			name := strings.ToUpper(t.Name.Local)
			for i := len(stack) - 1; i > 0; i-- {
				if stack[i].name == name {
					stack = stack[:i]
					break
				}
			}
		case xml.CharData:
			if text := strings.TrimSpace(string(t)); text != "" {
				cur := stack[len(stack)-1]
				if cur.text != "" {
					cur.text += " "
				}
				cur.text += text
			}
		}
	}

	if len(root.children) == 0 {
		return nil, fmt.Errorf("no elements in body")
	}
	return root, nil
}

// find returns the first descendant with the given name, depth-first.
func (n *node) find(name string) *node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
		if found := c.find(name); found != nil {
			return found
		}
	}
	return nil
}

// findAll returns every descendant with the given name, in document order.
func (n *node) findAll(name string) []*node {
	var out []*node
	for _, c := range n.children {
		if c.name == name {
			out = append(out, c)
		}
		out = append(out, c.findAll(name)...)
	}
	return out
}

// childText returns the trimmed text of the first descendant with the given
// name, or "".
func (n *node) childText(name string) string {
	if c := n.find(name); c != nil {
		return strings.TrimSpace(c.text)
	}
	return ""
}
