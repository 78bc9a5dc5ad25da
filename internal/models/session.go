package models

import (
	"time"
)

// SessionPhase 会话生命周期阶段
type SessionPhase string

const (
	SessionIdle     SessionPhase = "idle"
	SessionStarting SessionPhase = "starting"
	SessionActive   SessionPhase = "active"
	SessionEnding   SessionPhase = "ending"
)

// Session 当前会话快照
// 每个 device+app 对同一时间只有一个活跃会话，session_id 由远端创建时分配
type Session struct {
	SessionID       string       `json:"session_id"`
	DeviceID        string       `json:"device_id"`
	AppID           string       `json:"app_id"`
	StartedAt       time.Time    `json:"started_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	Phase           SessionPhase `json:"phase"`
}
