package model

// Event names emitted by the platform. Subscriptions are not restricted to
// this list; it backs GET /api/events.
const (
	EventLoanCreated            = "loan.created"
	EventLoanApproved           = "loan.approved"
	EventLoanRejected           = "loan.rejected"
	EventLoanDisbursed          = "loan.disbursed"
	EventLoanPaymentReceived    = "loan.payment_received"
	EventLoanCompleted          = "loan.completed"
	EventInvestmentCreated      = "investment.created"
	EventInvestmentCompleted    = "investment.completed"
	EventInvestmentDividendPaid = "investment.dividend_paid"
	EventTransactionCreated     = "transaction.created"
	EventTransactionCompleted   = "transaction.completed"
	EventTransactionFailed      = "transaction.failed"
	EventCryptoOrderCreated     = "crypto.order_created"
	EventCryptoOrderFilled      = "crypto.order_filled"
	EventCryptoOrderCancelled   = "crypto.order_cancelled"
	EventUserKYCCompleted       = "user.kyc_completed"
	EventUserKYCRejected        = "user.kyc_rejected"
)

var Catalog = []string{
	EventLoanCreated,
	EventLoanApproved,
	EventLoanRejected,
	EventLoanDisbursed,
	EventLoanPaymentReceived,
	EventLoanCompleted,
	EventInvestmentCreated,
	EventInvestmentCompleted,
	EventInvestmentDividendPaid,
	EventTransactionCreated,
	EventTransactionCompleted,
	EventTransactionFailed,
	EventCryptoOrderCreated,
	EventCryptoOrderFilled,
	EventCryptoOrderCancelled,
	EventUserKYCCompleted,
	EventUserKYCRejected,
}

var catalogSet = func() map[string]bool {
	m := make(map[string]bool, len(Catalog))
	for _, e := range Catalog {
		m[e] = true
	}
	return m
}()

// InCatalog reports whether event is one of the platform's documented events.
func InCatalog(event string) bool {
	return catalogSet[event]
}
