// Package metrics exposes prometheus instrumentation for the automation tasks.
package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Config carries the constant labels stamped on every metric.
type Config struct {
	ServiceName string
	Environment string
}

const (
	TaskErrorTypeDeadlineExceeded = "deadline_exceeded"
	TaskErrorTypeBusinessRule     = "business_rule"
	TaskErrorTypeDB               = "db"
	TaskErrorTypeUnknown          = "unknown"
)

const (
	TaskReasonDeadlineExceeded     = "deadline_exceeded"
	TaskReasonDBLockTimeout        = "db_lock_timeout"
	TaskReasonSerializationFailure = "serialization_failure"
	TaskReasonUniqueViolation      = "unique_violation"
	TaskReasonUnknown              = "unknown"
)

// LockResourceTaskDefinitions labels lock waits on the task claim rows.
const LockResourceTaskDefinitions = "task_definitions"

// TaskMetrics captures automation-task health signals.
type TaskMetrics struct {
	taskRuns       *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	taskTimeouts   *prometheus.CounterVec
	taskErrors     *prometheus.CounterVec
	taskSkips      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	entityErrors   *prometheus.CounterVec
	runLoopLag     prometheus.Observer
	dbLockWait     *prometheus.HistogramVec
}

var (
	taskMetricsOnce sync.Once
	taskMetrics     *TaskMetrics
)

// Tasks returns the singleton task metrics registry.
func Tasks() *TaskMetrics {
	return TasksWithConfig(Config{})
}

// TasksWithConfig returns the singleton task metrics registry using config labels.
func TasksWithConfig(cfg Config) *TaskMetrics {
	taskMetricsOnce.Do(func() {
		taskMetrics = newTaskMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return taskMetrics
}

// ResetTaskMetricsForTest resets the task metrics singleton for tests.
func ResetTaskMetricsForTest() {
	taskMetricsOnce = sync.Once{}
	taskMetrics = nil
}

func newTaskMetrics(registerer prometheus.Registerer, cfg Config) *TaskMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "billforge"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	taskRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billforge_task_runs_total",
		Help:        "Automation task runs by key.",
		ConstLabels: constLabels,
	}, []string{"task"})
	taskDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "billforge_task_duration_seconds",
		Help:        "Automation task latency to protect billing batch freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	}, []string{"task"})
	taskTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billforge_task_timeouts_total",
		Help:        "Automation task timeouts that threaten billing SLAs.",
		ConstLabels: constLabels,
	}, []string{"task"})
	taskErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billforge_task_errors_total",
		Help:        "Automation task errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"task", "reason"})
	taskSkips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billforge_task_skips_total",
		Help:        "Task invocations skipped because the scheduling gate was closed.",
		ConstLabels: constLabels,
	}, []string{"task"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billforge_task_batch_processed_total",
		Help:        "Entities processed per task to gauge billing throughput.",
		ConstLabels: constLabels,
	}, []string{"task", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billforge_task_batch_deferred_total",
		Help:        "Task batch deferrals by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"task", "reason"})
	entityErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billforge_task_entity_errors_total",
		Help:        "Per-entity failures isolated inside a task batch.",
		ConstLabels: constLabels,
	}, []string{"task", "error_type"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "billforge_task_runloop_lag_seconds",
		Help:        "Run loop lag beyond the configured driver interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "billforge_task_db_lock_wait_seconds",
		Help:        "DB lock wait time for SELECT FOR UPDATE work claims.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		taskRuns,
		taskDuration,
		taskTimeouts,
		taskErrors,
		taskSkips,
		batchProcessed,
		batchDeferred,
		entityErrors,
		runLoopLag,
		dbLockWait,
	)

	return &TaskMetrics{
		taskRuns:       taskRuns,
		taskDuration:   taskDuration,
		taskTimeouts:   taskTimeouts,
		taskErrors:     taskErrors,
		taskSkips:      taskSkips,
		batchProcessed: batchProcessed,
		batchDeferred:  batchDeferred,
		entityErrors:   entityErrors,
		runLoopLag:     runLoopLag,
		dbLockWait:     dbLockWait,
	}
}

// IncTaskRun increments the run counter for a task.
func (m *TaskMetrics) IncTaskRun(task string) {
	if m == nil || m.taskRuns == nil {
		return
	}
	m.taskRuns.WithLabelValues(task).Inc()
}

// ObserveTaskDuration records task latency in seconds.
func (m *TaskMetrics) ObserveTaskDuration(task string, duration time.Duration) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// IncTaskTimeout increments the timeout counter for the task.
func (m *TaskMetrics) IncTaskTimeout(task string) {
	if m == nil || m.taskTimeouts == nil {
		return
	}
	m.taskTimeouts.WithLabelValues(task).Inc()
}

// IncTaskError increments the task error counter with classification.
func (m *TaskMetrics) IncTaskError(task string, err error) {
	if m == nil || m.taskErrors == nil || err == nil {
		return
	}
	m.taskErrors.WithLabelValues(task, ClassifyTaskReason(err)).Inc()
}

// IncTaskSkip counts a gate-closed invocation.
func (m *TaskMetrics) IncTaskSkip(task string) {
	if m == nil || m.taskSkips == nil {
		return
	}
	m.taskSkips.WithLabelValues(task).Inc()
}

// AddBatchProcessed increments the processed counter for a resource by count.
func (m *TaskMetrics) AddBatchProcessed(task, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(task, resource).Add(float64(count))
}

// IncBatchDeferred increments the batch deferred counter for a task and reason.
func (m *TaskMetrics) IncBatchDeferred(task, reason string) {
	if m == nil || m.batchDeferred == nil {
		return
	}
	m.batchDeferred.WithLabelValues(task, reason).Inc()
}

// IncEntityError counts an isolated per-entity failure inside a batch.
func (m *TaskMetrics) IncEntityError(task string, err error) {
	if m == nil || m.entityErrors == nil || err == nil {
		return
	}
	m.entityErrors.WithLabelValues(task, ClassifyTaskErrorType(err)).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *TaskMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *TaskMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil || m.dbLockWait == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// ClassifyTaskErrorType returns a low-cardinality error type for logging.
func ClassifyTaskErrorType(err error) string {
	if err == nil {
		return TaskErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return TaskErrorTypeDeadlineExceeded
	}
	if isDBError(err) {
		return TaskErrorTypeDB
	}
	return TaskErrorTypeBusinessRule
}

// ClassifyTaskReason maps task errors to low-cardinality counter reasons.
func ClassifyTaskReason(err error) string {
	if err == nil {
		return TaskReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return TaskReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return TaskReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return TaskReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return TaskReasonUniqueViolation
	}
	return TaskReasonUnknown
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
