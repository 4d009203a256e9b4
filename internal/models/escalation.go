package models

import (
	"time"
)

// ContactType 紧急联系人类型
type ContactType string

const (
	ContactFamilyPrimary     ContactType = "family_primary"
	ContactFamilySecondary   ContactType = "family_secondary"
	ContactCaregiver         ContactType = "caregiver"
	ContactDoctor            ContactType = "doctor"
	ContactEmergencyServices ContactType = "emergency_services"
)

// EmergencyContact 紧急联系人（从配置加载，升级过程中只读）
type EmergencyContact struct {
	ID       string      `json:"id" yaml:"id"`
	Name     string      `json:"name" yaml:"name"`
	Endpoint string      `json:"endpoint" yaml:"endpoint"` // 通道地址（电话号码等），只透传给通信协作方
	Type     ContactType `json:"type" yaml:"type"`
	Priority int         `json:"priority" yaml:"priority"` // 越小越先拨打
	Channels struct {
		Voice bool `json:"voice" yaml:"voice"`
		SMS   bool `json:"sms" yaml:"sms"`
		Email bool `json:"email" yaml:"email"`
	} `json:"channels" yaml:"channels"`
}

// AttemptState 单次拨打状态
type AttemptState string

const (
	AttemptCalling   AttemptState = "calling"
	AttemptRinging   AttemptState = "ringing"
	AttemptConnected AttemptState = "connected"
	AttemptFailed    AttemptState = "failed"
	AttemptTimedOut  AttemptState = "timed_out"
)

// ContactAttempt 单个联系人的拨打记录
type ContactAttempt struct {
	ContactID string       `json:"contact_id"`
	State     AttemptState `json:"state"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
}

// EscalationSession 升级会话（同一 incident id 同时最多存在一个）
type EscalationSession struct {
	IncidentID string             `json:"incident_id"`
	Category   SignalCategory     `json:"category"`
	Contacts   []EmergencyContact `json:"contacts"` // 按类别排序后的快照
	Index      int                `json:"index"`    // 当前拨打到第几个联系人
	Attempts   []ContactAttempt   `json:"attempts"`
	StartedAt  time.Time          `json:"started_at"`
	Resolved   bool               `json:"resolved"`
	Exhausted  bool               `json:"exhausted"`
}

// DispatchRequest 出站拨打请求（发给通信协作方）
type DispatchRequest struct {
	IncidentID    string         `json:"incident_id"`
	ContactID     string         `json:"contact_id"`
	Channel       string         `json:"channel"` // voice, sms, email
	EmergencyType SignalCategory `json:"emergency_type"`
	Severity      int            `json:"severity"` // 1-4
	AttemptIndex  int            `json:"attempt_index"`
}

// NotifyAllRequest 出站全员通知请求（与拨打序列并行，立即发出）
type NotifyAllRequest struct {
	IncidentID        string   `json:"incident_id"`
	Contacts          []string `json:"contacts"`
	MessageTemplateID string   `json:"message_template_id"`
}
