package shared

import "fmt"

// LedgerAuditLockKey guards the scheduled ledger replay so one worker runs it at a time.
const LedgerAuditLockKey = "ledger:audit:lock"

// AccountAuditLockKey builds redis keys for single-account replays.
func AccountAuditLockKey(accountID int64) string {
	return fmt.Sprintf("ledger:account:%d:audit:lock", accountID)
}
