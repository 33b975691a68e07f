package checkout

const (
	operationOpen    = "open"
	operationIntent  = "intent"
	operationVerify  = "verify"
	operationApply   = "apply"
	operationExpire  = "expire"
	operationRefund  = "refund"
	operationPending = "pending"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"
	operationStatusIgnored   = "ignored"

	ledgerKeyDelimiter         = ":"
	expiryLedgerPrefix         = "reservation"
	commissionKeySuffix        = "commission"
	commissionReversalSuffix   = "reversal"
	basisPointsDenominator     = 10000
	defaultConflictRetries     = 5
	defaultStandardBasisPoints = 2000
	defaultPremiumBasisPoints  = 1500
	defaultItemQuantity        = 1
	backURLReservationParam    = "reservation_id"
)
