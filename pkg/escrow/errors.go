package escrow

import (
	"errors"
	"fmt"

	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
	"github.com/ChinmayGopal931/Motivate-app/pkg/party"
)

// Kind classifies a rejected operation.
type Kind string

const (
	KindAmountMismatch     Kind = "AmountMismatch"
	KindInvalidAmount      Kind = "InvalidAmount"
	KindNotFound           Kind = "NotFound"
	KindUnauthorized       Kind = "Unauthorized"
	KindAlreadySettled     Kind = "AlreadySettled"
	KindTransferFailed     Kind = "TransferFailed"
	KindNotAMember         Kind = "NotAMember"
	KindInvariantViolation Kind = "InvariantViolation"
	KindInternal           Kind = "Internal"
)

var (
	// ErrAmountMismatch: the attached value differs from the declared stake.
	ErrAmountMismatch = errors.New("attached value does not match amount")
	// ErrInvalidAmount: negative stake, or a stake the creator's balance cannot hold.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrUnauthorized: caller is neither the verifier nor the owner past the deadline.
	ErrUnauthorized = errors.New("caller may not resolve this promise now")
	// ErrTransferFailed: the outbound transfer failed and the resolution was rolled back.
	ErrTransferFailed = errors.New("transfer failed")

	ErrNotFound           = ledger.ErrNotFound
	ErrAlreadySettled     = ledger.ErrAlreadySettled
	ErrNotAMember         = party.ErrNotAMember
	ErrInvariantViolation = party.ErrInvariantViolation
)

// Operation names carried by rejections.
const (
	OpCreate  = "create"
	OpResolve = "resolve"
	OpGet     = "get"
)

// Rejection is the structured failure returned by engine operations. No effect
// of a rejected operation is observable.
type Rejection struct {
	Kind      Kind
	Op        string
	PromiseID ledger.ID
	Err       error
}

func (r *Rejection) Error() string {
	if r.Op == OpCreate {
		return fmt.Sprintf("create promise rejected (%s): %v", r.Kind, r.Err)
	}
	return fmt.Sprintf("%s promise %d rejected (%s): %v", r.Op, r.PromiseID, r.Kind, r.Err)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Fatal reports whether the rejection stems from a bookkeeping defect rather
// than a caller mistake.
func (r *Rejection) Fatal() bool {
	switch r.Kind {
	case KindNotAMember, KindInvariantViolation, KindInternal:
		return true
	}
	return false
}

func reject(op string, id ledger.ID, err error) *Rejection {
	return &Rejection{Kind: classify(err), Op: op, PromiseID: id, Err: err}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrTransferFailed):
		return KindTransferFailed
	case errors.Is(err, ErrAmountMismatch):
		return KindAmountMismatch
	case errors.Is(err, ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadySettled):
		return KindAlreadySettled
	case errors.Is(err, ErrNotAMember):
		return KindNotAMember
	case errors.Is(err, ErrInvariantViolation):
		return KindInvariantViolation
	default:
		return KindInternal
	}
}

// KindOf returns the kind of a rejection anywhere in err's chain, or classifies
// err directly.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Kind
	}
	return classify(err)
}
