package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"device-operation-management/shared/workflow"
)

type OperationType string

const (
	OperationTypeCommand OperationType = "COMMAND"
	OperationTypeConfig  OperationType = "CONFIG"
	OperationTypeProfile OperationType = "PROFILE"
	OperationTypePolicy  OperationType = "POLICY"
	OperationTypeMessage OperationType = "MESSAGE"
	OperationTypeInfo    OperationType = "INFO"
)

func ParseOperationType(raw string) (OperationType, bool) {
	t := OperationType(strings.ToUpper(strings.TrimSpace(raw)))
	switch t {
	case OperationTypeCommand, OperationTypeConfig, OperationTypeProfile, OperationTypePolicy,
		OperationTypeMessage, OperationTypeInfo:
		return t, true
	default:
		return "", false
	}
}

type Control string

const (
	ControlRepeat   Control = "REPEAT"
	ControlNoRepeat Control = "NO_REPEAT"
)

func ParseControl(raw string) (Control, bool) {
	switch c := Control(strings.ToUpper(strings.TrimSpace(raw))); c {
	case "":
		return ControlRepeat, true
	case ControlRepeat, ControlNoRepeat:
		return c, true
	default:
		return "", false
	}
}

type Status string

const (
	StatusPending    Status = workflow.StatusPending
	StatusInProgress Status = workflow.StatusInProgress
	StatusCompleted  Status = workflow.StatusCompleted
	StatusError      Status = workflow.StatusError
	StatusRepeated   Status = workflow.StatusRepeated
)

func ParseStatus(raw string) (Status, bool) {
	s := workflow.NormalizeStatus(raw)
	for _, known := range workflow.AllStatuses() {
		if s == known {
			return Status(s), true
		}
	}
	return "", false
}

// Payload is the type-specific body of an operation. The set of
// implementations is closed to this package.
type Payload interface {
	OperationType() OperationType
	sealed()
}

type CommandPayload struct {
	Enabled bool `json:"enabled"`
}

type ConfigProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

type ConfigPayload struct {
	Properties []ConfigProperty `json:"properties"`
}

type ProfilePayload struct {
	Data []byte `json:"data"`
}

type PolicyFeature struct {
	Code    string          `json:"code"`
	Content json.RawMessage `json:"content,omitempty"`
}

type PolicyPayload struct {
	Features []PolicyFeature `json:"features"`
}

func (CommandPayload) OperationType() OperationType { return OperationTypeCommand }
func (ConfigPayload) OperationType() OperationType  { return OperationTypeConfig }
func (ProfilePayload) OperationType() OperationType { return OperationTypeProfile }
func (PolicyPayload) OperationType() OperationType  { return OperationTypePolicy }

func (CommandPayload) sealed() {}
func (ConfigPayload) sealed()  {}
func (ProfilePayload) sealed() {}
func (PolicyPayload) sealed()  {}

type Operation struct {
	ID         int64
	Code       string
	Type       OperationType
	Control    Control
	Status     Status
	CreatedAt  time.Time
	ReceivedAt *time.Time
	Payload    Payload
	// Response is the device response supplied on update.
	Response   []byte
	Responses  []OperationResponse
	ActivityID string
}

// HasTypedPayload reports whether operations of type t are stored with a
// dedicated payload.
func HasTypedPayload(t OperationType) bool {
	switch t {
	case OperationTypeCommand, OperationTypeConfig, OperationTypeProfile, OperationTypePolicy:
		return true
	default:
		return false
	}
}

// CheckPayload verifies that the payload variant matches the declared type.
// A command without a payload is treated as an enabled command.
func (o *Operation) CheckPayload() error {
	if _, ok := ParseOperationType(string(o.Type)); !ok {
		return fmt.Errorf("unknown operation type %q", o.Type)
	}
	if o.Payload == nil {
		switch o.Type {
		case OperationTypeCommand:
			o.Payload = CommandPayload{Enabled: true}
			return nil
		case OperationTypeConfig, OperationTypeProfile, OperationTypePolicy:
			return fmt.Errorf("%s operation requires a payload", o.Type)
		default:
			return nil
		}
	}
	if !HasTypedPayload(o.Type) {
		return fmt.Errorf("%s operation does not carry a payload", o.Type)
	}
	if o.Payload.OperationType() != o.Type {
		return fmt.Errorf("payload of type %s does not match operation type %s", o.Payload.OperationType(), o.Type)
	}
	return nil
}

type OperationResponse struct {
	OperationID  int64
	EnrollmentID int64
	Payload      []byte
	ReceivedAt   time.Time
}

type DeviceIdentifier struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func (d DeviceIdentifier) String() string {
	return d.Type + "/" + d.ID
}

type PaginationRequest struct {
	Offset int
	Limit  int
}

type PaginationResult struct {
	Data            []Operation
	RecordsTotal    int
	RecordsFiltered int
}

const ActivityIDPrefix = "ACTIVITY_"

func FormatActivityID(operationID int64) string {
	return ActivityIDPrefix + strconv.FormatInt(operationID, 10)
}
