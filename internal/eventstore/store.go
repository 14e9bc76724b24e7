// Package eventstore is the append-only journal of inbound saga events.
package eventstore

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/nathanyu/transfer-saga/internal/domain"
)

// EventStore appends event envelopes as line-delimited JSON
type EventStore struct {
	filePath string
	file     *os.File
	mu       sync.Mutex
}

// NewEventStore opens or creates the journal at filePath
func NewEventStore(filePath string) (*EventStore, error) {
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store file: %w", err)
	}

	return &EventStore{
		filePath: filePath,
		file:     file,
	}, nil
}

// Append writes an event and syncs it to disk
func (s *EventStore) Append(event domain.Event) error {
	return s.AppendBatch([]domain.Event{event})
}

// AppendBatch writes events in order with a single sync
func (s *EventStore) AppendBatch(events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf []byte
	for _, event := range events {
		data, err := domain.SerializeEvent(event)
		if err != nil {
			return fmt.Errorf("failed to serialize event: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync event store: %w", err)
	}

	return nil
}

// LoadAll reads every journaled event with the time it was written
func (s *EventStore) LoadAll() ([]domain.Recorded, error) {
	file, err := os.Open(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.Recorded{}, nil
		}
		return nil, fmt.Errorf("failed to open event store for reading: %w", err)
	}
	defer file.Close()

	var records []domain.Recorded
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		rec, err := domain.DeserializeRecorded(line)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize event at line %d: %w", lineNum, err)
		}

		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading event store: %w", err)
	}

	return records, nil
}

func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// Compact replaces the journal with records, keeping their timestamps.
// The new content is written to a temporary file and renamed over the
// journal, so a crash leaves either the old or the new journal.
func (s *EventStore) Compact(records []domain.Recorded) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.filePath + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create compacted journal: %w", err)
	}
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		data, err := domain.SerializeRecorded(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("failed to serialize event: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write compacted journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync compacted journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close compacted journal: %w", err)
	}

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}

	file, err := os.OpenFile(s.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	s.file = file
	return nil
}
