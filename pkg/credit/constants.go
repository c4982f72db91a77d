package credit

const (
	operationAppendEntry      = "append_entry"
	operationSetExpired       = "set_expired"
	operationRecomputeBalance = "recompute_balance"
	operationCreateTransfer   = "create_transfer"
	operationCompleteTransfer = "complete_transfer"
	operationCancelTransfer   = "cancel_transfer"
	operationRevokeTransfer   = "revoke_transfer"
	operationAllocate         = "allocate"
	operationInitialGrant     = "initial_grant"
	operationRecurringGrant   = "recurring_grant"
	operationTopupPurchase    = "topup_purchase"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
