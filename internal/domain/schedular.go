// internal/domain/schedular.go
package domain

import "context"

// Task is a periodic background routine. Schedule is a six-field cron spec.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type Schedular interface {
	Start(ctx context.Context) error
	Stop()

	AddTask(task *Task) error
	RemoveTask(name string) error
}
