package orders

const (
	TopicOrderCreated      = "order.created"
	TopicOrderConfirmed    = "order.confirmed"
	TopicOrderCancelled    = "order.cancelled"
	TopicPaymentReceived   = "order.payment.received"
	TopicOrderUnclassified = "order.events"
)

// TopicFor maps a notification event to its topic.
func TopicFor(event string) string {
	switch event {
	case EventOrderCreated:
		return TopicOrderCreated
	case EventOrderConfirmed:
		return TopicOrderConfirmed
	case EventOrderCancelled:
		return TopicOrderCancelled
	case EventPaymentReceived:
		return TopicPaymentReceived
	default:
		return TopicOrderUnclassified
	}
}

// Partition key = order_id so every event of one order stays in sequence.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

// NotificationTopics lists every topic the notifier subscribes to.
func NotificationTopics() []string {
	return []string{TopicOrderCreated, TopicOrderConfirmed, TopicOrderCancelled, TopicPaymentReceived}
}
