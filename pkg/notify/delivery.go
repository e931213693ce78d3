package notify

import (
	"sort"
	"sync"
	"time"
)

// DeliveryStatus represents the status of an alert delivery
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
	DeliveryStatusDropped  DeliveryStatus = "dropped"
)

// DeliveryLog tracks the delivery of one alert to one endpoint
type DeliveryLog struct {
	ID           string         `json:"id"`
	AlertID      string         `json:"alert_id"`
	AlertKind    Kind           `json:"alert_kind"`
	URL          string         `json:"url"`
	Status       DeliveryStatus `json:"status"`
	StatusCode   int            `json:"status_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Attempts     int            `json:"attempts"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Duration     time.Duration  `json:"duration,omitempty"`
}

// DeliveryLogStore keeps a bounded set of delivery logs in memory
type DeliveryLogStore struct {
	logs    map[string]*DeliveryLog
	mutex   sync.RWMutex
	maxLogs int
}

// NewDeliveryLogStore creates a store holding at most maxLogs entries
func NewDeliveryLogStore(maxLogs int) *DeliveryLogStore {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &DeliveryLogStore{
		logs:    make(map[string]*DeliveryLog),
		maxLogs: maxLogs,
	}
}

// Add stores a delivery log, evicting the oldest entries when full
func (s *DeliveryLogStore) Add(log *DeliveryLog) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.logs) >= s.maxLogs {
		s.evictOldest()
	}
	entry := *log
	s.logs[log.ID] = &entry
}

// Get returns a copy of a delivery log
func (s *DeliveryLogStore) Get(id string) (DeliveryLog, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	log, ok := s.logs[id]
	if !ok {
		return DeliveryLog{}, false
	}
	return *log, true
}

// Update applies fn to a stored log under the store lock
func (s *DeliveryLogStore) Update(id string, fn func(*DeliveryLog)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if log, ok := s.logs[id]; ok {
		fn(log)
	}
}

// ByAlert returns copies of the logs for one alert
func (s *DeliveryLogStore) ByAlert(alertID string) []DeliveryLog {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []DeliveryLog
	for _, log := range s.logs {
		if log.AlertID == alertID {
			result = append(result, *log)
		}
	}
	return result
}

// Recent returns up to limit logs, newest first
func (s *DeliveryLogStore) Recent(limit int) []DeliveryLog {
	s.mutex.RLock()
	result := make([]DeliveryLog, 0, len(s.logs))
	for _, log := range s.logs {
		result = append(result, *log)
	}
	s.mutex.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// evictOldest removes the oldest 10% of logs
func (s *DeliveryLogStore) evictOldest() {
	logs := make([]*DeliveryLog, 0, len(s.logs))
	for _, log := range s.logs {
		logs = append(logs, log)
	}
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].CreatedAt.Before(logs[j].CreatedAt)
	})

	evictCount := len(logs) / 10
	if evictCount == 0 {
		evictCount = 1
	}
	for i := 0; i < evictCount && i < len(logs); i++ {
		delete(s.logs, logs[i].ID)
	}
}

// Stats summarizes all stored deliveries
func (s *DeliveryLogStore) Stats() DeliveryStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var stats DeliveryStats
	for _, log := range s.logs {
		stats.Total++
		switch log.Status {
		case DeliveryStatusSuccess:
			stats.Successful++
			stats.TotalDuration += log.Duration
		case DeliveryStatusFailed:
			stats.Failed++
		case DeliveryStatusRetrying:
			stats.Retrying++
		case DeliveryStatusDropped:
			stats.Dropped++
		}
	}

	if stats.Successful > 0 {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Successful)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	return stats
}

// DeliveryStats aggregates delivery outcomes
type DeliveryStats struct {
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Retrying        int           `json:"retrying"`
	Dropped         int           `json:"dropped"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
	TotalDuration   time.Duration `json:"total_duration"`
}
