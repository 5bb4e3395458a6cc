// Package x402 holds the wire vocabulary shared by the gateway and its clients:
// header names, machine-readable status strings, the payment-required body and
// the payment-proof header codec.
package x402

// HTTP headers exchanged during the 402 -> pay -> retry cycle.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderRequestID       = "X-Request-Id"
	HeaderWorkflowSession = "X-Workflow-Session"
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderUserID          = "X-User-Id"
	HeaderPaymentNetwork  = "X-Payment-Network"
)

// Status strings carried in every gateway response body.
const (
	StatusOK              = "ok"
	StatusContinue        = "continue"
	StatusPaymentRequired = "payment_required"

	StatusUnderpaid                 = "underpaid"
	StatusNonceMismatch             = "nonce_mismatch"
	StatusDuplicatePayment          = "duplicate_payment"
	StatusPaymentVerificationFailed = "payment_verification_failed"
	StatusUnknownRequest            = "unknown_request"
	StatusMissingRequestID          = "missing_request_id"
	StatusInvalidAmount             = "invalid_amount"
	StatusCheckinLimit              = "checkin_limit"
	StatusInvalidProof              = "invalid_proof"
	StatusInvalidWorkflow           = "invalid_workflow"
	StatusMissingShareID            = "missing_share_id"
	StatusMissingWallet             = "missing_wallet"
	StatusSessionMismatch           = "session_mismatch"
	StatusInvalidRequest            = "invalid_request"
	StatusInternalError             = "internal_error"
)

// Verification failure codes reported under StatusPaymentVerificationFailed.
const (
	CodeTxNotFound              = "tx_not_found"
	CodeTxFailed                = "tx_failed"
	CodeMemoMismatch            = "memo_mismatch"
	CodeRecipientAccountMissing = "recipient_account_missing"
	CodeInsufficientAmount      = "insufficient_amount"
	CodePayerMismatch           = "payer_mismatch"
	CodeInvalidReference        = "invalid_reference"
	CodeInvalidSignature        = "invalid_signature"
	CodeRPCError                = "rpc_error"
	CodeUnsupportedNetwork      = "unsupported_network"
)

// ReasonTimeout marks a 402 that replaces an expired invoice.
const ReasonTimeout = "timeout"
