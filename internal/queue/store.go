// Package queue implements the durable task queue: a YAML store with
// claim leases, bounded retry accounting, and dead-letter archiving.
// Mutations serialize through an in-process mutex plus a blocking file lock
// so concurrent controllers never double-claim.
package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	goyaml "gopkg.in/yaml.v3"

	"github.com/ytakagi/factory/internal/lock"
	"github.com/ytakagi/factory/internal/logging"
	"github.com/ytakagi/factory/internal/model"
	"github.com/ytakagi/factory/internal/yaml"
)

const defaultClaimLeaseSec = 300
const defaultMaxAttempts = 3

// Store owns queue/tasks.yaml under one factory directory.
type Store struct {
	factoryDir  string
	queuePath   string
	lockPath    string
	leaseSec    int
	maxAttempts int
	lockMap     *lock.MutexMap
	logger      *logging.Logger
}

func NewStore(factoryDir string, cfg model.Config, logger *logging.Logger) *Store {
	leaseSec := cfg.Queue.ClaimLeaseSec
	if leaseSec <= 0 {
		leaseSec = defaultClaimLeaseSec
	}
	maxAttempts := cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Store{
		factoryDir:  factoryDir,
		queuePath:   filepath.Join(factoryDir, "queue", "tasks.yaml"),
		lockPath:    filepath.Join(factoryDir, "locks", "queue.lock"),
		leaseSec:    leaseSec,
		maxAttempts: maxAttempts,
		lockMap:     lock.NewMutexMap(),
		logger:      logger,
	}
}

// Path returns the queue file location.
func (s *Store) Path() string {
	return s.queuePath
}

// AddSpec describes a task to enqueue.
type AddSpec struct {
	Description  string
	Priority     int
	ShipMode     model.ShipMode
	RiskTier     model.RiskTier
	TargetBranch string
	MaxAttempts  int
}

// Add appends a new pending task and returns it.
func (s *Store) Add(spec AddSpec) (model.Task, error) {
	id, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return model.Task{}, fmt.Errorf("generate task id: %w", err)
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	now := time.Now().UTC().Format(time.RFC3339)
	task := model.Task{
		ID:           id,
		Description:  spec.Description,
		Priority:     spec.Priority,
		Status:       model.StatusPending,
		MaxAttempts:  maxAttempts,
		ShipMode:     spec.ShipMode,
		RiskTier:     spec.RiskTier,
		TargetBranch: spec.TargetBranch,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.withQueue(func(q *model.TaskQueue) (bool, error) {
		q.Tasks = append(q.Tasks, task)
		return true, nil
	})
	if err != nil {
		return model.Task{}, err
	}

	s.logger.Infof("task_added id=%s priority=%d tier=%s mode=%s", task.ID, task.Priority, task.RiskTier, task.ShipMode)
	return task, nil
}

// List returns a snapshot of all tasks in queue order.
func (s *Store) List() ([]model.Task, error) {
	var tasks []model.Task
	err := s.withQueue(func(q *model.TaskQueue) (bool, error) {
		tasks = append([]model.Task(nil), q.Tasks...)
		return false, nil
	})
	return tasks, err
}

// Get returns one task by id.
func (s *Store) Get(taskID string) (model.Task, error) {
	var found model.Task
	err := s.withQueue(func(q *model.TaskQueue) (bool, error) {
		for i := range q.Tasks {
			if q.Tasks[i].ID == taskID {
				found = q.Tasks[i]
				return false, nil
			}
		}
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	})
	return found, err
}

// ClaimNext atomically claims the highest-priority pending task for owner.
// Ties resolve by queue insertion order. Returns ErrEmptyQueue when nothing
// is claimable.
func (s *Store) ClaimNext(owner string) (model.Task, error) {
	var claimed model.Task
	err := s.withQueue(func(q *model.TaskQueue) (bool, error) {
		best := -1
		for i := range q.Tasks {
			if q.Tasks[i].Status != model.StatusPending {
				continue
			}
			if best == -1 || q.Tasks[i].Priority > q.Tasks[best].Priority {
				best = i
			}
		}
		if best == -1 {
			return false, ErrEmptyQueue
		}

		task := &q.Tasks[best]
		if err := model.ValidateTaskTransition(task.Status, model.StatusInProgress); err != nil {
			return false, err
		}

		now := time.Now().UTC()
		expires := now.Add(time.Duration(s.leaseSec) * time.Second).Format(time.RFC3339)
		ownerStr := owner

		task.Status = model.StatusInProgress
		task.ClaimOwner = &ownerStr
		task.ClaimExpiresAt = &expires
		task.ClaimEpoch++
		task.UpdatedAt = now.Format(time.RFC3339)

		claimed = *task
		return true, nil
	})
	if err != nil {
		return model.Task{}, err
	}

	s.logger.Infof("claim_acquire id=%s owner=%s epoch=%d expires=%s",
		claimed.ID, owner, claimed.ClaimEpoch, *claimed.ClaimExpiresAt)
	return claimed, nil
}

// Release transitions a claimed task to target and clears the claim. The
// caller must hold the claim; a mismatched or absent claim is ErrNotLocked.
func (s *Store) Release(taskID, owner string, target model.Status) error {
	err := s.withQueue(func(q *model.TaskQueue) (bool, error) {
		task := findTask(q, taskID)
		if task == nil {
			return false, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		if err := s.checkClaim(task, owner); err != nil {
			return false, err
		}
		if err := model.ValidateTaskTransition(task.Status, target); err != nil {
			return false, err
		}

		task.Status = target
		task.ClaimOwner = nil
		task.ClaimExpiresAt = nil
		task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		return true, nil
	})
	if err != nil {
		return err
	}

	s.logger.Infof("claim_release id=%s owner=%s status=%s", taskID, owner, target)
	return nil
}

// RecordRetry charges one failed attempt against a claimed task. The task
// returns to pending while budget remains; once attempts exceed
// max_attempts it is dead-lettered and archived. Returns the resulting
// status.
func (s *Store) RecordRetry(taskID, owner, errText string) (model.Status, error) {
	var final model.Status
	err := s.withQueue(func(q *model.TaskQueue) (bool, error) {
		task := findTask(q, taskID)
		if task == nil {
			return false, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		if err := s.checkClaim(task, owner); err != nil {
			return false, err
		}
		if err := model.ValidateTaskTransition(task.Status, model.StatusFailed); err != nil {
			return false, err
		}

		now := time.Now().UTC()
		nowStr := now.Format(time.RFC3339)

		task.Status = model.StatusFailed
		task.Attempts++
		task.LastError = &errText
		task.ClaimOwner = nil
		task.ClaimExpiresAt = nil
		task.UpdatedAt = nowStr

		maxAttempts := task.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = s.maxAttempts
		}

		if task.Attempts > maxAttempts {
			if err := model.ValidateTaskTransition(task.Status, model.StatusDeadLetter); err != nil {
				return false, err
			}
			reason := fmt.Sprintf("attempts %d exceeded max_attempts %d: %s", task.Attempts, maxAttempts, errText)
			task.Status = model.StatusDeadLetter
			task.DeadLetteredAt = &nowStr
			task.DeadLetterReason = &reason

			if err := s.archiveDeadLetter(*task, reason); err != nil {
				s.logger.Errorf("archive_dead_letter id=%s error=%v", task.ID, err)
			}
		} else {
			if err := model.ValidateTaskTransition(task.Status, model.StatusPending); err != nil {
				return false, err
			}
			task.Status = model.StatusPending
		}

		final = task.Status
		return true, nil
	})
	if err != nil {
		return "", err
	}

	level := logging.LevelInfo
	if final == model.StatusDeadLetter {
		level = logging.LevelWarn
	}
	s.logger.Logf(level, "retry_recorded id=%s status=%s", taskID, final)
	return final, nil
}

// ReclaimStaleClaims returns tasks with expired claims to pending. The
// reclaim does not charge an attempt and is idempotent: a second scan finds
// nothing to do.
func (s *Store) ReclaimStaleClaims() (int, error) {
	reclaimed := 0
	err := s.withQueue(func(q *model.TaskQueue) (bool, error) {
		dirty := false
		for i := range q.Tasks {
			task := &q.Tasks[i]
			if task.Status != model.StatusInProgress || !claimExpired(task.ClaimExpiresAt) {
				continue
			}

			s.logger.Warnf("claim_expired id=%s epoch=%d owner=%s",
				task.ID, task.ClaimEpoch, strOrEmpty(task.ClaimOwner))

			task.Status = model.StatusPending
			task.ClaimOwner = nil
			task.ClaimExpiresAt = nil
			task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
			reclaimed++
			dirty = true
		}
		return dirty, nil
	})
	return reclaimed, err
}

func (s *Store) checkClaim(task *model.Task, owner string) error {
	if task.Status != model.StatusInProgress || task.ClaimOwner == nil || *task.ClaimOwner != owner {
		return fmt.Errorf("%w: %s (owner=%s)", ErrNotLocked, task.ID, owner)
	}
	return nil
}

// withQueue runs fn against the loaded queue under both locks, persisting
// the result when fn reports dirty.
func (s *Store) withQueue(fn func(q *model.TaskQueue) (bool, error)) error {
	s.lockMap.Lock(s.queuePath)
	defer s.lockMap.Unlock(s.queuePath)

	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	fl := lock.NewFileLock(s.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock queue: %w", err)
	}
	defer fl.Unlock()

	q, err := s.load()
	if err != nil {
		return err
	}

	dirty, err := fn(q)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.queuePath), 0755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	if err := yaml.AtomicWrite(s.queuePath, q); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	return nil
}

func (s *Store) load() (*model.TaskQueue, error) {
	content, err := os.ReadFile(s.queuePath)
	if os.IsNotExist(err) {
		return &model.TaskQueue{
			SchemaVersion: yaml.CurrentSchemaVersion,
			FileType:      "queue_task",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}

	var q model.TaskQueue
	if err := goyaml.Unmarshal(content, &q); err != nil {
		// Corrupted store: quarantine the bytes, fall back to backup or
		// skeleton, then retry once
		s.logger.Errorf("queue file corrupted path=%s error=%v", s.queuePath, err)
		if recErr := yaml.RecoverCorruptedFile(s.factoryDir, s.queuePath, "queue_task"); recErr != nil {
			return nil, &QuarantineError{Path: s.queuePath, Err: recErr}
		}

		content, readErr := os.ReadFile(s.queuePath)
		if readErr != nil {
			return nil, &QuarantineError{Path: s.queuePath, Err: readErr}
		}
		q = model.TaskQueue{}
		if parseErr := goyaml.Unmarshal(content, &q); parseErr != nil {
			return nil, &QuarantineError{Path: s.queuePath, Err: parseErr}
		}
		s.logger.Warnf("queue recovered path=%s tasks=%d", s.queuePath, len(q.Tasks))
	}

	if q.SchemaVersion == 0 {
		q.SchemaVersion = yaml.CurrentSchemaVersion
	}
	if q.FileType == "" {
		q.FileType = "queue_task"
	}
	return &q, nil
}

func (s *Store) archiveDeadLetter(task model.Task, reason string) error {
	archiveDir := filepath.Join(s.factoryDir, "dead_letters")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create dead_letters dir: %w", err)
	}

	type archiveEntry struct {
		SchemaVersion  int        `yaml:"schema_version"`
		FileType       string     `yaml:"file_type"`
		Entry          model.Task `yaml:"entry"`
		DeadLetteredAt string     `yaml:"dead_lettered_at"`
		Reason         string     `yaml:"reason"`
	}

	now := time.Now().UTC()
	archive := archiveEntry{
		SchemaVersion:  yaml.CurrentSchemaVersion,
		FileType:       "dead_letter",
		Entry:          task,
		DeadLetteredAt: now.Format(time.RFC3339),
		Reason:         reason,
	}

	filename := fmt.Sprintf("task_%s_%s.yaml", now.Format("20060102T150405Z"), task.ID)
	return yaml.AtomicWrite(filepath.Join(archiveDir, filename), archive)
}

func findTask(q *model.TaskQueue, taskID string) *model.Task {
	for i := range q.Tasks {
		if q.Tasks[i].ID == taskID {
			return &q.Tasks[i]
		}
	}
	return nil
}

// claimExpired treats a missing or unparseable expiry as expired.
func claimExpired(expiresAt *string) bool {
	if expiresAt == nil {
		return true
	}
	expires, err := time.Parse(time.RFC3339, *expiresAt)
	if err != nil {
		return true
	}
	return time.Now().UTC().After(expires)
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
