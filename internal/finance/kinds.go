package finance

import "strings"

// DocumentType enumerates the four financial document variants.
type DocumentType string

const (
	DocumentInvoice            DocumentType = "INVOICE"
	DocumentReceipt            DocumentType = "RECEIPT"
	DocumentPaymentVoucher     DocumentType = "PAYMENT_VOUCHER"
	DocumentStatementOfPayment DocumentType = "STATEMENT_OF_PAYMENT"
)

// DocumentTypes lists every known variant.
func DocumentTypes() []DocumentType {
	return []DocumentType{DocumentInvoice, DocumentReceipt, DocumentPaymentVoucher, DocumentStatementOfPayment}
}

// Prefix returns the document number prefix for the type.
func (t DocumentType) Prefix() (string, bool) {
	switch t {
	case DocumentInvoice:
		return "INV", true
	case DocumentReceipt:
		return "RCP", true
	case DocumentPaymentVoucher:
		return "PV", true
	case DocumentStatementOfPayment:
		return "SOP", true
	}
	return "", false
}

// Valid reports whether t is a known variant.
func (t DocumentType) Valid() bool {
	_, ok := t.Prefix()
	return ok
}

// ParseDocumentType accepts either the type name or its number prefix, in any case.
func ParseDocumentType(s string) (DocumentType, bool) {
	s = strings.TrimSpace(s)
	for _, t := range DocumentTypes() {
		prefix, _ := t.Prefix()
		if strings.EqualFold(s, string(t)) || strings.EqualFold(s, prefix) {
			return t, true
		}
	}
	return "", false
}
