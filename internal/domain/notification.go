package domain

// NotificationAction is a clickable action rendered on the notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// NotificationPayload is the user-visible content of a push. The delivery
// core treats it as opaque beyond serialization.
type NotificationPayload struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	Data               map[string]any       `json:"data,omitempty"`
	Actions            []NotificationAction `json:"actions,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction,omitempty"`
}

type Urgency string

const (
	UrgencyVeryLow Urgency = "very-low"
	UrgencyLow     Urgency = "low"
	UrgencyNormal  Urgency = "normal"
	UrgencyHigh    Urgency = "high"
)

// SendOptions are transport hints passed through to the push service
// unmodified.
type SendOptions struct {
	TTL     int     `json:"ttl,omitempty"`
	Urgency Urgency `json:"urgency,omitempty"`
	Topic   string  `json:"topic,omitempty"`
}
