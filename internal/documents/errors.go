package documents

import "errors"

// ErrVoucherAlreadySettled indicates a statement of payment already references the voucher.
var ErrVoucherAlreadySettled = errors.New("documents: voucher already settled")
