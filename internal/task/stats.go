package task

// TaskStats 汇总一组任务的状态分布与更新时间窗口，供 /tasks/stats
// 接口和健康巡检消费。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// observe 把一个任务计入统计。
func (s *TaskStats) observe(task *Task) {
	s.Total++
	switch task.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	if task.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = task.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (task.UpdatedAt != 0 && task.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = task.UpdatedAt
	}
}

// finalize 在空集合时清零时间戳，避免返回无意义的窗口。
func (s *TaskStats) finalize() {
	if s.Total == 0 {
		s.OldestUpdatedAt = 0
		s.NewestUpdatedAt = 0
	}
}
