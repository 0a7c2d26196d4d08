// Package canonical produces the byte-exact canonical JSON form of an
// invoice and the SHA-256 hashes derived from it. The encoding is pinned:
// two semantically equal invoices always canonicalize to identical bytes,
// independent of how they were loaded.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-anchoring/internal/repository"
)

// Declared decimal scales. Money is 18,2; quantity 18,4; rates 5,2.
const (
	moneyScale    = 2
	quantityScale = 4
	rateScale     = 2
)

// timestampLayout renders createdAt as YYYY-MM-DDTHH:MM:SS.sssZ in UTC.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Version identifies the canonical encoding.
const Version = "1.0"

// Canonicalize emits the canonical JSON bytes for an invoice.
//
// Section order is fixed: identity, sellerInfo, customerInfo,
// invoiceDetails, lines (ascending lineNumber), metadata. Keys are
// lower-first-letter, no insignificant whitespace, decimals rendered at
// their declared scale. The encoder writes fields by hand rather than
// relying on any JSON library's ordering rules.
func Canonicalize(inv *repository.Invoice) ([]byte, error) {
	if inv == nil {
		return nil, fmt.Errorf("invoice is nil")
	}

	var b bytes.Buffer
	b.WriteByte('{')

	// identity
	writeKey(&b, "id")
	b.WriteString(strconv.FormatInt(inv.ID, 10))
	writeStringField(&b, "invoiceNumber", inv.InvoiceNumber)
	writeStringField(&b, "formNumber", inv.FormNumber)
	writeStringField(&b, "serial", inv.Serial)

	// sellerInfo
	b.WriteString(`,"sellerInfo":{`)
	writeKey(&b, "name")
	writeString(&b, inv.SellerName)
	writeStringField(&b, "taxId", inv.SellerTaxID)
	writeStringField(&b, "address", inv.SellerAddress)
	writeStringField(&b, "email", inv.SellerEmail)
	writeStringField(&b, "phone", inv.SellerPhone)
	b.WriteByte('}')

	// customerInfo
	b.WriteString(`,"customerInfo":{`)
	writeKey(&b, "name")
	writeString(&b, inv.CustomerName)
	writeStringField(&b, "taxId", inv.CustomerTaxID)
	writeStringField(&b, "address", inv.CustomerAddress)
	writeStringField(&b, "email", inv.CustomerEmail)
	writeStringField(&b, "phone", inv.CustomerPhone)
	b.WriteByte('}')

	// invoiceDetails
	b.WriteString(`,"invoiceDetails":{`)
	writeKey(&b, "issuedDate")
	writeString(&b, inv.IssuedDate.UTC().Format(timestampLayout))
	b.WriteString(`,"subTotal":`)
	b.WriteString(render(inv.SubTotal, moneyScale))
	b.WriteString(`,"taxAmount":`)
	b.WriteString(render(inv.TaxAmount, moneyScale))
	b.WriteString(`,"discountAmount":`)
	b.WriteString(render(inv.DiscountAmount, moneyScale))
	b.WriteString(`,"totalAmount":`)
	b.WriteString(render(inv.TotalAmount, moneyScale))
	writeStringField(&b, "currency", inv.Currency)
	b.WriteByte('}')

	// lines, ascending lineNumber
	lines := make([]*repository.InvoiceLine, len(inv.Lines))
	copy(lines, inv.Lines)
	sort.Slice(lines, func(i, j int) bool { return lines[i].LineNumber < lines[j].LineNumber })

	b.WriteString(`,"lines":[`)
	for i, line := range lines {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('{')
		writeKey(&b, "lineNumber")
		b.WriteString(strconv.Itoa(line.LineNumber))
		writeStringField(&b, "description", line.Description)
		writeStringField(&b, "unit", line.Unit)
		b.WriteString(`,"quantity":`)
		b.WriteString(render(line.Quantity, quantityScale))
		b.WriteString(`,"unitPrice":`)
		b.WriteString(render(line.UnitPrice, moneyScale))
		b.WriteString(`,"discount":`)
		b.WriteString(render(line.Discount, moneyScale))
		b.WriteString(`,"taxRate":`)
		b.WriteString(render(line.TaxRate, rateScale))
		b.WriteString(`,"taxAmount":`)
		b.WriteString(render(line.TaxAmount, moneyScale))
		b.WriteString(`,"lineTotal":`)
		b.WriteString(render(line.LineTotal, moneyScale))
		b.WriteByte('}')
	}
	b.WriteByte(']')

	// metadata
	b.WriteString(`,"metadata":{`)
	writeKey(&b, "createdAt")
	writeString(&b, inv.CreatedAt.UTC().Format(timestampLayout))
	writeStringField(&b, "version", Version)
	b.WriteByte('}')

	b.WriteByte('}')

	return b.Bytes(), nil
}

// ImmutableHash returns hex(SHA-256(canonical bytes)), lowercase, no prefix.
func ImmutableHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// CIDHash returns hex(SHA-256(cid)), lowercase, no prefix. An auditing aid,
// distinct from the Keccak leaf hash used in the Merkle tree.
func CIDHash(cid string) string {
	sum := sha256.Sum256([]byte(cid))
	return hex.EncodeToString(sum[:])
}

// render formats a decimal at exactly the given scale.
func render(d decimal.Decimal, scale int32) string {
	return d.StringFixed(scale)
}

// writeKey writes `"key":` with no leading comma, for the first field of an
// object; follow-on fields go through writeStringField or an explicit `,"key":`.
func writeKey(b *bytes.Buffer, key string) {
	b.WriteByte('"')
	b.WriteString(key)
	b.WriteString(`":`)
}

func writeStringField(b *bytes.Buffer, key, value string) {
	b.WriteString(`,"`)
	b.WriteString(key)
	b.WriteString(`":`)
	writeString(b, value)
}

// writeString writes a JSON string with the escaping rules of
// encoding/json for the characters that matter here.
func writeString(b *bytes.Buffer, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
