package models

// State is the lifecycle state of a pending mutation.
type State string

const (
	StateEligible    State = "eligible"     // ready to dispatch
	StateDispatched  State = "dispatched"   // executing against the server
	StateDeferred    State = "deferred"     // temporary failure, waiting for an event
	StateUserBlocked State = "user_blocked" // needs human intervention
	StatePredBlocked State = "pred_blocked" // waiting on a predecessor
	StateFailed      State = "failed"       // terminal, kept for inspection
	StateDeleted     State = "deleted"      // terminal success or cancellation, row removed
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateEligible, StateDispatched, StateDeferred, StateUserBlocked,
	StatePredBlocked, StateFailed, StateDeleted,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further dispatch will happen from s.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDeleted
}

// =====================================================
// Operations
// =====================================================

// Operation is the closed set of mutation kinds the queue carries.
type Operation string

const (
	OpFolderCreate Operation = "folder_create"
	OpFolderUpdate Operation = "folder_update"
	OpFolderDelete Operation = "folder_delete"

	OpEmailSend      Operation = "email_send"
	OpEmailReply     Operation = "email_reply"
	OpEmailForward   Operation = "email_forward"
	OpEmailDelete    Operation = "email_delete"
	OpEmailMove      Operation = "email_move"
	OpEmailSetFlag   Operation = "email_set_flag"
	OpEmailClearFlag Operation = "email_clear_flag"
	OpEmailMarkRead  Operation = "email_mark_read"

	OpAttachmentDownload Operation = "attachment_download"

	OpContactCreate Operation = "contact_create"
	OpContactUpdate Operation = "contact_update"
	OpContactDelete Operation = "contact_delete"

	OpCalCreate Operation = "cal_create"
	OpCalUpdate Operation = "cal_update"
	OpCalDelete Operation = "cal_delete"

	OpEmailSearch   Operation = "email_search"
	OpContactSearch Operation = "contact_search"
)

// opTraits describes what an operation needs and how safe it is to replay.
type opTraits struct {
	needsTarget bool // acts on an existing server object
	creates     bool // creates a server object under a provisional client id
	needsItem   bool // references locally-owned content
	idempotent  bool // replaying after an unknown outcome is harmless
}

var operationTraits = map[Operation]opTraits{
	OpFolderCreate: {creates: true},
	OpFolderUpdate: {needsTarget: true, idempotent: true},
	OpFolderDelete: {needsTarget: true, idempotent: true},

	OpEmailSend:      {needsItem: true},
	OpEmailReply:     {needsTarget: true, needsItem: true},
	OpEmailForward:   {needsTarget: true, needsItem: true},
	OpEmailDelete:    {needsTarget: true, idempotent: true},
	OpEmailMove:      {needsTarget: true, idempotent: true},
	OpEmailSetFlag:   {needsTarget: true, idempotent: true},
	OpEmailClearFlag: {needsTarget: true, idempotent: true},
	OpEmailMarkRead:  {needsTarget: true, idempotent: true},

	OpAttachmentDownload: {needsTarget: true, needsItem: true, idempotent: true},

	OpContactCreate: {creates: true, needsItem: true},
	OpContactUpdate: {needsTarget: true, needsItem: true, idempotent: true},
	OpContactDelete: {needsTarget: true, idempotent: true},

	OpCalCreate: {creates: true, needsItem: true},
	OpCalUpdate: {needsTarget: true, needsItem: true, idempotent: true},
	OpCalDelete: {needsTarget: true, idempotent: true},

	OpEmailSearch:   {idempotent: true},
	OpContactSearch: {idempotent: true},
}

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	_, ok := operationTraits[o]
	return ok
}

// NeedsServerTarget reports whether o acts on an existing server object.
func (o Operation) NeedsServerTarget() bool {
	return operationTraits[o].needsTarget
}

// CreatesServerObject reports whether o creates a server object under a
// provisional client-generated id.
func (o Operation) CreatesServerObject() bool {
	return operationTraits[o].creates
}

// NeedsItem reports whether o references locally-owned content.
func (o Operation) NeedsItem() bool {
	return operationTraits[o].needsItem
}

// Idempotent reports whether o may be replayed after an unknown outcome.
func (o Operation) Idempotent() bool {
	return operationTraits[o].idempotent
}

// =====================================================
// Deferral, blocking and results
// =====================================================

// DeferredReason records which event re-promotes a deferred mutation.
type DeferredReason string

const (
	DeferNone            DeferredReason = ""
	DeferFullSync        DeferredReason = "full_sync"
	DeferIncrementalSync DeferredReason = "incremental_sync"
	DeferUntilTime       DeferredReason = "until_time"
	DeferVerifyRestart   DeferredReason = "verify_after_restart"
)

// BlockReason records why a mutation needs user action.
type BlockReason string

const (
	BlockNone                 BlockReason = ""
	BlockUserRemediation      BlockReason = "user_remediation"
	BlockAdminRemediation     BlockReason = "admin_remediation"
	BlockIllegalParent        BlockReason = "illegal_parent"
	BlockNamingConflict       BlockReason = "naming_conflict"
	BlockPredecessorCancelled BlockReason = "predecessor_cancelled"
)

// ResultKind is the terminal (or escalated) outcome reported for a token.
type ResultKind string

const (
	ResultNone        ResultKind = ""
	ResultSuccess     ResultKind = "success"
	ResultHardFail    ResultKind = "hard_fail"
	ResultDeferred    ResultKind = "deferred"
	ResultUserBlocked ResultKind = "user_blocked"
	ResultCancelled   ResultKind = "cancelled"
)

// Why is the reason attached to a result.
type Why string

const (
	WhyNone                 Why = ""
	WhyUnknown              Why = "unknown"
	WhyNotSpecified         Why = "not_specified"
	WhyProtocolError        Why = "protocol_error"
	WhyServerError          Why = "server_error"
	WhyServerOffline        Why = "server_offline"
	WhyAccessDenied         Why = "access_denied"
	WhyMissingOnServer      Why = "missing_on_server"
	WhyConflictWithServer   Why = "conflict_with_server"
	WhyQuotaExceeded        Why = "quota_exceeded"
	WhyTooBig               Why = "too_big"
	WhyInvalidDest          Why = "invalid_dest"
	WhyUnsupported          Why = "unsupported"
	WhyDeferBudgetExhausted Why = "defer_budget_exhausted"
	WhyPredecessorFailed    Why = "predecessor_failed"
	WhyPredecessorCancelled Why = "predecessor_cancelled"
	WhyInvariantViolation   Why = "invariant_violation"
	WhySuperseded           Why = "superseded"
)

// =====================================================
// Identifier fields
// =====================================================

// IDField names an identifier-bearing column that server-driven rewrites
// may substitute.
type IDField string

const (
	FieldTargetID     IDField = "target_id"
	FieldServerID     IDField = "server_id"
	FieldParentID     IDField = "parent_id"
	FieldDestParentID IDField = "dest_parent_id"
)

// IDFields lists every rewritable identifier column.
var IDFields = []IDField{FieldTargetID, FieldServerID, FieldParentID, FieldDestParentID}

// Valid reports whether f is a rewritable identifier column.
func (f IDField) Valid() bool {
	for _, known := range IDFields {
		if f == known {
			return true
		}
	}
	return false
}
