package payments

import "github.com/ariefcatur/go-credential-orders/internal/lifecycle"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusRefunded   Status = "REFUNDED"
)

var transitions = lifecycle.Table[Status]{
	StatusPending:    {StatusProcessing: true, StatusFailed: true, StatusCancelled: true},
	StatusProcessing: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusCompleted:  {StatusRefunded: true},
	StatusFailed:     {},
	StatusCancelled:  {},
	StatusRefunded:   {},
}

func CanTransition(from, to Status) bool {
	return transitions.CanTransition(from, to)
}

func (s Status) Terminal() bool {
	return transitions.Terminal(s)
}
