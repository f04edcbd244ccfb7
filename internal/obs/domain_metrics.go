package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentIntentTotal counts payment intent creation attempts.
	PaymentIntentTotal = newPaymentIntentTotal("")
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal = newPaymentWebhookTotal("")
	// OrderTransitionTotal counts lifecycle transition attempts by actor role and target.
	OrderTransitionTotal = newOrderTransitionTotal("")
	// CheckoutAdoptionTotal counts payment intents adopted after a failed local persist.
	CheckoutAdoptionTotal = newCheckoutAdoptionTotal("")
	// NotificationTotal counts notifier fan-out outcomes.
	NotificationTotal = newNotificationTotal("")
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
// Collectors are usable before registration so packages can record without a registry in tests.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentIntentTotal = register(reg, newPaymentIntentTotal(namespace))
		PaymentWebhookTotal = register(reg, newPaymentWebhookTotal(namespace))
		OrderTransitionTotal = register(reg, newOrderTransitionTotal(namespace))
		CheckoutAdoptionTotal = register(reg, newCheckoutAdoptionTotal(namespace))
		NotificationTotal = register(reg, newNotificationTotal(namespace))
	})
}

func newPaymentIntentTotal(ns string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "payment_intent_total",
		Help:      "Count of payment intent processing outcomes.",
	}, []string{"provider", "result"})
}

func newPaymentWebhookTotal(ns string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "payment_webhook_total",
		Help:      "Count of processed payment webhooks by event type and outcome.",
	}, []string{"event", "result"})
}

func newOrderTransitionTotal(ns string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "order_transition_total",
		Help:      "Count of order status transition attempts by outcome.",
	}, []string{"role", "to", "result"})
}

func newCheckoutAdoptionTotal(ns string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "checkout_adoption_total",
		Help:      "Count of payment intent adoption attempts by outcome.",
	}, []string{"result"})
}

func newNotificationTotal(ns string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "notification_total",
		Help:      "Count of notification fan-out attempts by channel and outcome.",
	}, []string{"channel", "result"})
}
