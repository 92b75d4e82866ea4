package query

// Amounts are decimal strings; 256-bit values do not fit a JSON number.

// PoolResponse represents a pool's parameters and scalars.
type PoolResponse struct {
	PoolID                     uint32 `json:"pool_id"`
	Underlying                 string `json:"underlying"`
	MaintenanceRateBps         uint64 `json:"maintenance_rate_bps"`
	FeeReceiver                string `json:"fee_receiver"`
	TotalDeposits              string `json:"total_deposits"`
	TrackedBalance             string `json:"tracked_balance"`
	YieldReserve               string `json:"yield_reserve"`
	FeeIndex                   string `json:"fee_index"`
	MaintenanceIndex           string `json:"maintenance_index"`
	LastMaintenanceEpoch       uint64 `json:"last_maintenance_epoch"`
	PendingMaintenance         string `json:"pending_maintenance"`
	MaintenanceUnsettled       string `json:"maintenance_unsettled"`
	ActiveCreditIndex          string `json:"active_credit_index"`
	ActiveCreditPrincipalTotal string `json:"active_credit_principal_total"`
	ActiveCreditMaturedTotal   string `json:"active_credit_matured_total"`
	Positions                  int    `json:"positions"`
	AsOfSequence               int64  `json:"as_of_sequence"`
}

// EncumbranceResponse breaks down a position's encumbered principal.
type EncumbranceResponse struct {
	DirectLocked      string            `json:"direct_locked"`
	DirectLent        string            `json:"direct_lent"`
	DirectOfferEscrow string            `json:"direct_offer_escrow"`
	IndexEncumbered   string            `json:"index_encumbered"`
	ByIndex           map[uint32]string `json:"by_index,omitempty"`
	Total             string            `json:"total"`
}

// PositionResponse represents one position in one pool.
type PositionResponse struct {
	PoolID                   uint32              `json:"pool_id"`
	PositionKey              string              `json:"position_key"`
	Principal                string              `json:"principal"`
	AccruedYield             string              `json:"accrued_yield"`
	MaintenanceOwed          string              `json:"maintenance_owed"`
	Available                string              `json:"available"`
	Debt                     string              `json:"debt"`
	PendingFeeYield          string              `json:"pending_fee_yield"`
	PendingActiveCreditYield string              `json:"pending_active_credit_yield"`
	PendingYield             string              `json:"pending_yield"`
	MaxBorrowable            string              `json:"max_borrowable,omitempty"`
	Encumbrance              EncumbranceResponse `json:"encumbrance"`
	AsOfSequence             int64               `json:"as_of_sequence"`
}

// OperationResponse is one logged operation touching a position.
type OperationResponse struct {
	Sequence   int64  `json:"sequence"`
	CommandID  string `json:"command_id"`
	Op         string `json:"op"`
	Result     string `json:"result"`
	LedgerTime int64  `json:"ledger_time"`
	StateHash  string `json:"state_hash"`
}
