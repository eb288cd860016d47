package shared

// Finance permissions granted by the upstream gateway.
const (
	PermDocumentsEdit    = "finance.documents.edit"
	PermVoucherApprove   = "finance.voucher.approve"
	PermLedgerCompensate = "finance.ledger.compensate"
	PermFinanceView      = "finance.view"
)

// FinanceScopes lists all permissions related to the finance module.
func FinanceScopes() []string {
	return []string{
		PermDocumentsEdit,
		PermVoucherApprove,
		PermLedgerCompensate,
		PermFinanceView,
	}
}
