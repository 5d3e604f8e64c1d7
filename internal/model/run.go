package model

import (
	"time"
)

// Run 一个目标的一次执行记录，不保存任何口令
type Run struct {
	ID      string `json:"id" gorm:"primaryKey;type:varchar(64)"`
	BatchID string `json:"batch_id" gorm:"type:varchar(64);not null;index"`
	// Kind exec | put | get
	Kind   string `json:"kind" gorm:"type:varchar(16);not null;default:'exec'"`
	Target string `json:"target" gorm:"type:varchar(128);not null;index"`
	// Chain 可读的跳链，例如 ssh:ops@gw -> telnet:root@db1
	Chain        string    `json:"chain" gorm:"type:varchar(512);not null"`
	Status       string    `json:"status" gorm:"type:varchar(32);not null;default:'running';index"`
	ErrorMsg     string    `json:"error_msg" gorm:"type:text"`
	CommandCount int       `json:"command_count"`
	Transcript   string    `json:"transcript,omitempty" gorm:"type:varchar(512)"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Duration     int64     `json:"duration"` // 执行时长，毫秒
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	Commands []RunCommand `json:"commands,omitempty" gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

// TableName 表名
func (Run) TableName() string {
	return "runs"
}

// RunStatusRunning 执行中；结束后的状态取自 remote.Classify
const RunStatusRunning = "running"

// Run 的类型
const (
	RunKindExec = "exec"
	RunKindPut  = "put"
	RunKindGet  = "get"
)

// RunCommand 一条命令的执行结果
type RunCommand struct {
	ID       uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	RunID    string `json:"run_id" gorm:"type:varchar(64);not null;index"`
	Seq      int    `json:"seq" gorm:"not null"`
	Command  string `json:"command" gorm:"type:text;not null"`
	Status   string `json:"status" gorm:"type:varchar(32);not null"`
	Output   string `json:"output" gorm:"type:text"`
	ErrorMsg string `json:"error_msg" gorm:"type:text"`
	Duration int64  `json:"duration"` // 毫秒
}

// TableName 表名
func (RunCommand) TableName() string {
	return "run_commands"
}
