package events

// Topic constants for domain events emitted by the order lifecycle.
const (
	TopicOrderCreated    = "order.created"
	TopicOrderCompleted  = "order.completed"
	TopicOrderFailed     = "order.failed"
	TopicOrderDispatched = "order.dispatched"
	TopicOrderUnfilled   = "order.unfilled"
	TopicOrderReturned   = "order.returned"
	TopicOrderDelivered  = "order.delivered"
	TopicOrderCancelled  = "order.cancelled"
	TopicOrderRefunded   = "order.refunded"
	TopicOrderSplit      = "order.split"
	TopicIntentAdopted   = "payment.intent_adopted"
)

// StatusTopic returns the topic published when an order enters status.
func StatusTopic(status string) string { return "order." + status }

// BuyerNotificationTopics are the transitions the buyer is emailed about.
func BuyerNotificationTopics() []string {
	return []string{TopicOrderCompleted, TopicOrderDispatched, TopicOrderDelivered}
}

// OrderItem mirrors an order line item inside event payloads.
type OrderItem struct {
	ProductID int64  `json:"productId"`
	SellerID  string `json:"sellerId,omitempty"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
	Image     string `json:"image,omitempty"`
}

// OrderStatusChanged is the payload of every order.* status topic.
type OrderStatusChanged struct {
	OrderID         string      `json:"orderId"`
	OrderNumber     string      `json:"orderNumber"`
	ParentOrderID   string      `json:"parentOrderId,omitempty"`
	PaymentIntentID string      `json:"paymentIntentId,omitempty"`
	BuyerID         string      `json:"buyerId"`
	BuyerName       string      `json:"buyerName,omitempty"`
	BuyerEmail      string      `json:"buyerEmail,omitempty"`
	From            string      `json:"from,omitempty"`
	To              string      `json:"to"`
	ActorRole       string      `json:"actorRole"`
	Amount          int64       `json:"amount"`
	Currency        string      `json:"currency"`
	Items           []OrderItem `json:"items"`
	UpdatedAt       string      `json:"updatedAt"`
}
