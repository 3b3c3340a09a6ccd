package events

import "strings"

const (
	TopicOrderCreated    = "order.created"
	TopicPaymentCreated  = "payment.created"
	TopicStockLow        = "stock.low"
	TopicGatewayCallback = "payment.gateway.callback"
)

// OrderTopic is the topic for an order entering status, e.g. "order.completed".
func OrderTopic(status string) string {
	return "order." + strings.ToLower(status)
}

// PaymentTopic is the topic for a payment entering status, e.g. "payment.failed".
func PaymentTopic(status string) string {
	return "payment." + strings.ToLower(status)
}

// Partition key = order id so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
