// Package offline buffers kiosk check-ins while the branch link is down.
// Check-ins land in a yaml file on local disk and are replayed, oldest
// first, once the ticket ledger is reachable again. Every buffered record
// carries the request id it will replay with, so a check-in that was
// accepted just before the link dropped is not issued twice.
package offline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/logger"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store"
)

// ErrRejected marks a replay the ledger refused on business grounds, a
// paused queue or a bad payload rather than an unreachable ledger. Ledger
// errors wrapping it drop the record instead of blocking the replay line.
var ErrRejected = errors.New("check-in rejected")

// CheckinLedger is the slice of the ticket store the buffer replays into.
type CheckinLedger interface {
	CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error)
}

// Record is one buffered check-in.
type Record struct {
	LocalID       int       `yaml:"local_id"`
	RequestID     string    `yaml:"request_id"`
	BranchID      string    `yaml:"branch_id"`
	ServiceID     string    `yaml:"service_id"`
	Priority      string    `yaml:"priority,omitempty"`
	Phone         string    `yaml:"phone,omitempty"`
	NotifyChannel string    `yaml:"notify_channel,omitempty"`
	CheckinMethod string    `yaml:"checkin_method,omitempty"`
	CapturedAt    time.Time `yaml:"captured_at"`
}

type bufferFile struct {
	NextLocalID int      `yaml:"next_local_id"`
	Records     []Record `yaml:"records"`
}

// SyncReport summarises one replay pass.
type SyncReport struct {
	Synced    int
	Dropped   int
	Remaining int
}

// Buffer is a durable check-in queue backed by a single yaml file.
type Buffer struct {
	mu    sync.Mutex
	path  string
	state bufferFile

	group singleflight.Group
	log   *zap.Logger
}

// Open loads the buffer at path, creating an empty one if the file does
// not exist yet.
func Open(path string) (*Buffer, error) {
	b := &Buffer{
		path:  path,
		state: bufferFile{NextLocalID: 1},
		log:   logger.WithComponent("offline"),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read buffer: %w", err)
	}
	if err := yaml.Unmarshal(data, &b.state); err != nil {
		return nil, fmt.Errorf("decode buffer: %w", err)
	}
	if b.state.NextLocalID < 1 {
		b.state.NextLocalID = 1
	}
	return b, nil
}

// QueueCheckin appends a check-in to the buffer and persists it before
// returning. A record with no request id gets one here; the same id is
// reused on every replay attempt.
func (b *Buffer) QueueCheckin(input store.CreateTicketInput) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record := Record{
		LocalID:       b.state.NextLocalID,
		RequestID:     input.RequestID,
		BranchID:      input.BranchID,
		ServiceID:     input.ServiceID,
		Priority:      input.Priority,
		Phone:         input.Phone,
		NotifyChannel: input.NotifyChannel,
		CheckinMethod: input.CheckinMethod,
		CapturedAt:    time.Now().UTC(),
	}
	if record.RequestID == "" {
		record.RequestID = uuid.NewString()
	}
	b.state.NextLocalID++
	b.state.Records = append(b.state.Records, record)

	if err := b.saveLocked(); err != nil {
		b.state.Records = b.state.Records[:len(b.state.Records)-1]
		b.state.NextLocalID--
		return Record{}, err
	}
	return record, nil
}

// Pending reports how many check-ins are waiting for replay.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state.Records)
}

// SyncPending replays buffered check-ins into the ledger in capture
// order. Concurrent callers collapse into a single replay pass. A replay
// the ledger rejects outright is dropped and the pass moves on; any other
// failure stops the pass, and that record and everything behind it stay
// buffered for the next attempt.
func (b *Buffer) SyncPending(ctx context.Context, ledger CheckinLedger) (SyncReport, error) {
	result, err, _ := b.group.Do("sync", func() (interface{}, error) {
		return b.syncOnce(ctx, ledger)
	})
	report, _ := result.(SyncReport)
	return report, err
}

func (b *Buffer) syncOnce(ctx context.Context, ledger CheckinLedger) (SyncReport, error) {
	b.mu.Lock()
	pending := append([]Record(nil), b.state.Records...)
	b.mu.Unlock()

	var report SyncReport
	var syncErr error
	done := make(map[int]bool, len(pending))
	for _, record := range pending {
		_, created, err := ledger.CreateTicket(ctx, store.CreateTicketInput{
			BranchID:      record.BranchID,
			ServiceID:     record.ServiceID,
			Priority:      record.Priority,
			Phone:         record.Phone,
			NotifyChannel: record.NotifyChannel,
			CheckinMethod: record.CheckinMethod,
			RequestID:     record.RequestID,
		})
		if errors.Is(err, ErrRejected) {
			b.log.Warn("replay rejected, dropping record",
				zap.Int("local_id", record.LocalID),
				zap.String("request_id", record.RequestID),
				zap.Error(err))
			done[record.LocalID] = true
			report.Dropped++
			continue
		}
		if err != nil {
			b.log.Warn("replay stopped",
				zap.Int("local_id", record.LocalID),
				zap.Error(err))
			syncErr = err
			break
		}
		if !created {
			b.log.Info("replay matched an already accepted check-in",
				zap.Int("local_id", record.LocalID),
				zap.String("request_id", record.RequestID))
		}
		done[record.LocalID] = true
		report.Synced++
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(done) > 0 {
		kept := b.state.Records[:0]
		for _, record := range b.state.Records {
			if !done[record.LocalID] {
				kept = append(kept, record)
			}
		}
		b.state.Records = kept
		if err := b.saveLocked(); err != nil && syncErr == nil {
			syncErr = err
		}
	}
	report.Remaining = len(b.state.Records)
	return report, syncErr
}

// saveLocked persists the buffer with a temp file and rename so a crash
// mid-write never truncates the existing file.
func (b *Buffer) saveLocked() error {
	content, err := yaml.Marshal(b.state)
	if err != nil {
		return fmt.Errorf("encode buffer: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create buffer dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkins-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("rename buffer: %w", err)
	}
	return nil
}
