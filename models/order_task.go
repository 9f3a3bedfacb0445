package models

import "time"

// OrderOperation is the order lifecycle verb carried by a task.
type OrderOperation string

const (
	OpPlaceOrder  OrderOperation = "place"
	OpModifyOrder OrderOperation = "modify"
	OpCancelOrder OrderOperation = "cancel"
	OpExitOrder   OrderOperation = "exit"
)

// TaskStatus is the order task state machine:
// pending → running → {completed | retrying → running ... → dead_letter}.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskRunning    TaskStatus = "running"
	TaskRetrying   TaskStatus = "retrying"
	TaskCompleted  TaskStatus = "completed"
	TaskDeadLetter TaskStatus = "dead_letter"
)

// Terminal reports whether the status can never transition again.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskDeadLetter
}

// OrderParams carries the operation-specific fields of an order task.
// Fields that do not apply to the operation are left zero.
type OrderParams struct {
	OrderID         string  `json:"order_id,omitempty"`
	Exchange        string  `json:"exchange,omitempty"`
	TradingSymbol   string  `json:"tradingsymbol,omitempty"`
	TransactionType string  `json:"transaction_type,omitempty"`
	Quantity        int     `json:"quantity,omitempty"`
	Price           float64 `json:"price,omitempty"`
	TriggerPrice    float64 `json:"trigger_price,omitempty"`
	Product         string  `json:"product,omitempty"`
	OrderType       string  `json:"order_type,omitempty"`
	Validity        string  `json:"validity,omitempty"`
	Tag             string  `json:"tag,omitempty"`
}

// OrderTask is one order lifecycle unit of work. At most one non-terminal
// task exists per idempotency key; resubmitting an equivalent request while
// a task is pending, running or completed returns the existing task.
type OrderTask struct {
	TaskID         string         `gorm:"primaryKey" json:"task_id"`
	IdempotencyKey string         `gorm:"uniqueIndex" json:"idempotency_key"`
	Operation      OrderOperation `json:"operation"`
	Params         OrderParams    `gorm:"serializer:json" json:"params"`
	Status         TaskStatus     `gorm:"index" json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	Result         string         `json:"result,omitempty"`
	AccountID      string         `gorm:"index" json:"account_id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OrderTask) TableName() string { return "order_tasks" }
