package domain

// DecisionKind discriminates the action a strategy proposes for an evaluation.
type DecisionKind string

const (
	DecisionNoTrade    DecisionKind = "NO_TRADE"
	DecisionEnter      DecisionKind = "ENTER"
	DecisionExit       DecisionKind = "EXIT"
	DecisionModifyRisk DecisionKind = "MODIFY_RISK"
)

// TakeProfit is a single take-profit level with the quantity to close at it.
type TakeProfit struct {
	Price    float64
	Quantity float64
}

// TradeDecision is the strategy's proposed action for one evaluation cycle.
// Decisions are ephemeral: produced per evaluation, consumed immediately by
// the validation layer, never persisted raw.
type TradeDecision struct {
	Kind DecisionKind

	// Enter fields
	Side        Side
	Size        float64
	StopLoss    float64
	TakeProfits []TakeProfit

	// Exit fields. Quantity of 0 means a full exit.
	ExitQuantity float64

	// ModifyRisk fields. Zero values mean "leave unchanged".
	NewStopLoss    float64
	NewTakeProfits []TakeProfit

	Reasoning  string
	Confidence float64
}
