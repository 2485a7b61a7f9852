package models

import "time"

type ActivityState string

const (
	ActivityInvalid      ActivityState = "INVALID"
	ActivityUnauthorized ActivityState = "UNAUTHORIZED"
	ActivityPending      ActivityState = "PENDING"
	ActivityInProgress   ActivityState = "IN_PROGRESS"
	ActivityCompleted    ActivityState = "COMPLETED"
	ActivityError        ActivityState = "ERROR"
	ActivityRepeated     ActivityState = "REPEATED"
)

type ActivityStatus struct {
	Device    DeviceIdentifier   `json:"device"`
	Status    ActivityState      `json:"status"`
	UpdatedAt time.Time          `json:"updatedAt"`
	Responses []ActivityResponse `json:"responses,omitempty"`
}

type ActivityResponse struct {
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Activity is the receipt of one dispatch and the view served by the
// activity lookups.
type Activity struct {
	ActivityID string           `json:"activityId"`
	Code       string           `json:"code"`
	Type       OperationType    `json:"type"`
	CreatedAt  time.Time        `json:"createdAt"`
	Statuses   []ActivityStatus `json:"activityStatus,omitempty"`
}
