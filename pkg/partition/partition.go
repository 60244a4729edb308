// Package partition implements C2, the day-partition lifecycle
// manager for heartbeat history: create-ahead, CSV archive with
// checksum, and drop.
package partition

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nexmdm/nexmdm/pkg/events"
	"github.com/nexmdm/nexmdm/pkg/log"
	"github.com/nexmdm/nexmdm/pkg/metrics"
	"github.com/nexmdm/nexmdm/pkg/storage"
	"github.com/nexmdm/nexmdm/pkg/types"
	"github.com/rs/zerolog"
)

const advisoryLockName = "nightly"

// csvColumns is the deterministic column order for archived heartbeat
// rows (spec.md §6's archive format).
var csvColumns = []string{
	"device_id", "ts", "battery_pct", "network_type",
	"unity_running", "signal_dbm", "agent_version", "ip", "status",
}

// Manager runs the nightly partition job: create tomorrow's buckets
// ahead of need, archive buckets past their active window, and drop
// buckets once safely archived.
type Manager struct {
	store     storage.Store
	broker    *events.Broker
	blobs     BlobStore
	logger    zerolog.Logger
	stopCh    chan struct{}

	CreateAheadDays int
	RetentionDays   int
	Interval        time.Duration
}

// NewManager creates a Manager.
func NewManager(store storage.Store, broker *events.Broker, blobs BlobStore, createAheadDays, retentionDays int) *Manager {
	if createAheadDays <= 0 {
		createAheadDays = 14
	}
	if retentionDays <= 0 {
		retentionDays = 2
	}
	return &Manager{
		store: store, broker: broker, blobs: blobs,
		logger:          log.WithComponent("partition"),
		stopCh:          make(chan struct{}),
		CreateAheadDays: createAheadDays,
		RetentionDays:   retentionDays,
		Interval:        24 * time.Hour,
	}
}

// Start runs the nightly job on its own ticker.
func (m *Manager) Start() { go m.run() }

// Stop ends the ticker loop.
func (m *Manager) Stop() { close(m.stopCh) }

func (m *Manager) run() {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	m.logger.Info().Dur("interval", m.Interval).Msg("partition manager started")
	for {
		select {
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error().Interface("panic", r).Msg("nightly partition run panicked, continuing")
					}
				}()
				if err := m.RunOnce(context.Background()); err != nil {
					m.logger.Error().Err(err).Msg("nightly partition run failed")
				}
			}()
		case <-m.stopCh:
			m.logger.Info().Msg("partition manager stopped")
			return
		}
	}
}

// RunOnce performs one create-ahead + archive + drop pass under
// L_nightly, skipping (not blocking) if another process holds it.
func (m *Manager) RunOnce(ctx context.Context) error {
	unlock, ok, err := m.store.TryAdvisoryLock(advisoryLockName)
	if err != nil {
		return fmt.Errorf("acquire L_nightly: %w", err)
	}
	if !ok {
		metrics.AdvisoryLockSkippedTotal.WithLabelValues(advisoryLockName).Inc()
		m.logger.Debug().Msg("L_nightly held elsewhere, skipping run")
		if m.broker != nil {
			m.broker.Publish(&events.Event{Type: events.EventPartitionSkipped, Timestamp: time.Now()})
		}
		return nil
	}
	defer unlock()

	now := time.Now().UTC()

	if err := m.createAhead(now); err != nil {
		m.logger.Error().Err(err).Msg("create-ahead failed")
	}
	if err := m.archiveAndDrop(ctx, now); err != nil {
		m.logger.Error().Err(err).Msg("archive/drop pass failed")
	}
	return nil
}

func (m *Manager) createAhead(now time.Time) error {
	for i := 0; i <= m.CreateAheadDays; i++ {
		day := now.AddDate(0, 0, i)
		name := day.Format("20060102")
		rangeStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
		p := &types.HeartbeatPartition{
			PartitionName: name,
			RangeStart:    rangeStart,
			RangeEnd:      rangeStart.AddDate(0, 0, 1),
			State:         types.PartitionActive,
			CreatedAt:     now,
		}
		created, err := m.store.CreatePartitionIfAbsent(p)
		if err != nil {
			return fmt.Errorf("create partition %s: %w", name, err)
		}
		if created {
			metrics.PartitionsCreatedTotal.Inc()
			m.logger.Info().Str("partition", name).Msg("partition created")
		}
	}
	return nil
}

func (m *Manager) archiveAndDrop(ctx context.Context, now time.Time) error {
	partitions, err := m.store.ListPartitions()
	if err != nil {
		return err
	}

	cutoff := now.AddDate(0, 0, -m.RetentionDays)

	for _, p := range partitions {
		switch p.State {
		case types.PartitionActive:
			if !p.RangeEnd.Before(cutoff) {
				continue
			}
			if err := m.archiveOne(ctx, p); err != nil {
				m.logger.Error().Err(err).Str("partition", p.PartitionName).Msg("archive failed")
				if m.broker != nil {
					m.broker.Publish(&events.Event{Type: events.EventPartitionFailed, Timestamp: now,
						Metadata: map[string]string{"partition": p.PartitionName, "error": err.Error()}})
				}
			}
		case types.PartitionArchived:
			if p.ArchiveURL == "" || p.ChecksumSHA256 == "" {
				continue
			}
			if err := m.dropOne(p); err != nil {
				m.logger.Error().Err(err).Str("partition", p.PartitionName).Msg("drop failed")
			}
		}
	}
	return nil
}

func (m *Manager) archiveOne(ctx context.Context, p *types.HeartbeatPartition) error {
	rows, err := m.store.ListHeartbeatsInPartition(p.PartitionName)
	if err != nil {
		return fmt.Errorf("list heartbeats for %s: %w", p.PartitionName, err)
	}

	csvBytes, err := encodeCSV(rows)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(csvBytes)
	checksum := hex.EncodeToString(sum[:])

	var url string
	op := func() error {
		var uploadErr error
		url, uploadErr = m.blobs.Upload(p.PartitionName+".csv", csvBytes)
		return uploadErr
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		p.State = types.PartitionArchiveFailed
		_ = m.store.UpdatePartition(p)
		metrics.PartitionArchiveFailuresTotal.Inc()
		return fmt.Errorf("upload %s after retries: %w", p.PartitionName, err)
	}

	p.State = types.PartitionArchived
	p.ArchiveURL = url
	p.ChecksumSHA256 = checksum
	p.RowCount = int64(len(rows))
	p.BytesSize = int64(len(csvBytes))
	archivedAt := time.Now().UTC()
	p.ArchivedAt = &archivedAt

	if err := m.store.UpdatePartition(p); err != nil {
		return fmt.Errorf("persist archived partition %s: %w", p.PartitionName, err)
	}
	metrics.PartitionsArchivedTotal.Inc()
	m.logger.Info().Str("partition", p.PartitionName).Str("checksum", checksum).Int64("rows", p.RowCount).Msg("partition archived")
	return nil
}

func (m *Manager) dropOne(p *types.HeartbeatPartition) error {
	if err := m.store.DropPartitionBucket(p.PartitionName); err != nil {
		return fmt.Errorf("drop bucket %s: %w", p.PartitionName, err)
	}
	p.State = types.PartitionDropped
	droppedAt := time.Now().UTC()
	p.DroppedAt = &droppedAt
	if err := m.store.UpdatePartition(p); err != nil {
		return fmt.Errorf("persist dropped partition %s: %w", p.PartitionName, err)
	}
	metrics.PartitionsDroppedTotal.Inc()
	m.logger.Info().Str("partition", p.PartitionName).Msg("partition dropped")
	return nil
}

func encodeCSV(rows []*types.DeviceHeartbeat) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvColumns); err != nil {
		return nil, err
	}
	for _, hb := range rows {
		unityRunning := ""
		if hb.UnityRunning != nil {
			unityRunning = strconv.FormatBool(*hb.UnityRunning)
		}
		record := []string{
			hb.DeviceID,
			hb.Ts.UTC().Format(time.RFC3339),
			strconv.Itoa(hb.BatteryPct),
			string(hb.NetworkType),
			unityRunning,
			strconv.Itoa(hb.SignalDBM),
			hb.AgentVersion,
			hb.IP,
			hb.Status,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
