package db

import "time"

// StateCounter maps mailthread.state_counters.
type StateCounter struct {
	Key   string `gorm:"column:key;type:text;primaryKey"`
	Value int64  `gorm:"column:value;type:bigint;not null;default:0"`
}

func (StateCounter) TableName() string { return "mailthread.state_counters" }

// StateHash maps mailthread.state_hashes. One row per hash field.
type StateHash struct {
	Key       string    `gorm:"column:key;type:text;primaryKey"`
	Field     string    `gorm:"column:field;type:text;primaryKey"`
	Value     string    `gorm:"column:value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (StateHash) TableName() string { return "mailthread.state_hashes" }

// StateSetMember maps mailthread.state_set_members.
type StateSetMember struct {
	Key    string `gorm:"column:key;type:text;primaryKey"`
	Member string `gorm:"column:member;type:text;primaryKey"`
}

func (StateSetMember) TableName() string { return "mailthread.state_set_members" }

// Task maps mailthread.tasks. Rows are deleted on ack; rejected rows stay
// with rejected_at set.
type Task struct {
	TaskID     int64      `gorm:"column:task_id;primaryKey;autoIncrement"`
	QueueName  string     `gorm:"column:queue_name;type:text;not null"`
	Body       string     `gorm:"column:body;type:text;not null"`
	EnqueuedAt time.Time  `gorm:"column:enqueued_at;type:timestamptz;not null;default:now()"`
	RejectedAt *time.Time `gorm:"column:rejected_at;type:timestamptz"`
}

func (Task) TableName() string { return "mailthread.tasks" }

func autoMigrateModels() []any {
	return []any{
		&StateCounter{},
		&StateHash{},
		&StateSetMember{},
		&Task{},
	}
}
