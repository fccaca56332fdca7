package modules

import "strings"

// CanonicalEventType is one of the closed set of inbound provider webhook
// event types every provider's native event name is normalized to.
type CanonicalEventType string

const (
	EventSent        CanonicalEventType = "sent"
	EventDelivered   CanonicalEventType = "delivered"
	EventBounced     CanonicalEventType = "bounced"
	EventSoftBounced CanonicalEventType = "soft_bounced"
	EventComplained  CanonicalEventType = "complained"
	EventOpened      CanonicalEventType = "opened"
	EventClicked     CanonicalEventType = "clicked"
	EventFailed      CanonicalEventType = "failed"
	EventCustom      CanonicalEventType = "custom.event"
)

// providerEventTypes maps each provider's native event-type string to its
// canonical type. Grounded on SES event notification types (Send, Delivery,
// Bounce, Complaint, Open, Click), Resend webhook event names
// (email.sent/delivered/bounced/complained/opened/clicked), and Telnyx
// message webhook statuses (queued/sent/delivered/sending_failed/
// delivery_failed).
var providerEventTypes = map[string]map[string]CanonicalEventType{
	"ses": {
		"send":             EventSent,
		"delivery":         EventDelivered,
		"bounce":           EventBounced,
		"complaint":        EventComplained,
		"open":             EventOpened,
		"click":            EventClicked,
		"reject":           EventFailed,
		"renderingfailure": EventFailed,
	},
	"resend": {
		"email.sent":             EventSent,
		"email.delivered":        EventDelivered,
		"email.delivery_delayed": EventSoftBounced,
		"email.bounced":          EventBounced,
		"email.complained":       EventComplained,
		"email.opened":           EventOpened,
		"email.clicked":          EventClicked,
		"email.failed":           EventFailed,
	},
	"telnyx": {
		"queued":                  EventSent,
		"sending":                 EventSent,
		"sent":                    EventSent,
		"delivered":               EventDelivered,
		"delivery_failed":         EventBounced,
		"sending_failed":          EventFailed,
		"webhook_delivery_failed": EventFailed,
	},
}

// MapProviderEventType maps a provider's native event-type string to its
// canonical type. The map is total: an unrecognized provider or event
// string never errors, it falls back to EventCustom so inbound webhook
// processing can never be blocked by an unmapped vendor event.
func MapProviderEventType(provider, nativeEventType string) CanonicalEventType {
	events, ok := providerEventTypes[strings.ToLower(provider)]
	if !ok {
		return EventCustom
	}
	if canonical, ok := events[strings.ToLower(nativeEventType)]; ok {
		return canonical
	}
	return EventCustom
}
