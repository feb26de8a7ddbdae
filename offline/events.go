package offline

import (
	"encoding/json"
	"fmt"
)

// MessageSkipWaiting asks the registry to activate the waiting worker now.
const MessageSkipWaiting = "SKIP_WAITING"

// SyncTagUpload is the background sync tag for pending uploads.
const SyncTagUpload = "upload-sync"

// Message is a command posted to the registry by the application.
type Message struct {
	Type string `json:"type"`
}

// SyncResult acknowledges a background sync event.
type SyncResult struct {
	Tag     string `json:"tag"`
	Handled bool   `json:"handled"`
}

// PushPayload is the JSON body of a push event.
type PushPayload struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NotificationAction is a button shown on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon"`
}

// Notification is what a push event asks the host to display.
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Data    json.RawMessage      `json:"data,omitempty"`
	Actions []NotificationAction `json:"actions"`
}

// ParsePushPayload decodes a push event body. An empty body carries no
// notification.
func ParsePushPayload(data []byte) (*PushPayload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p PushPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing push payload: %w", err)
	}
	return &p, nil
}

// newNotification builds the notification for a push payload.
func newNotification(p *PushPayload) *Notification {
	return &Notification{
		Title:   p.Title,
		Body:    p.Body,
		Icon:    LogoURL,
		Badge:   LogoURL,
		Vibrate: []int{200, 100, 200},
		Data:    p.Data,
		Actions: []NotificationAction{
			{Action: "view", Title: "View", Icon: LogoURL},
			{Action: "close", Title: "Close", Icon: LogoURL},
		},
	}
}
