// Package history appends closed charging sessions to a CSV file for
// external analysis.
package history

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz-csms/internal/logger"
	"github.com/charging-platform/balanz-csms/internal/model"
)

var header = []string{
	"session_id", "charger_id", "charger_alias", "group_id",
	"id_tag", "user_name", "stop_id_tag",
	"start_time", "end_time", "duration", "energy", "stop_reason", "history",
}

// Writer appends one row per closed session. Rows are flushed immediately so
// the file is usable while the process runs.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
	log  zerolog.Logger
}

// New opens (or creates, with header) the session CSV in append mode.
func New(path string, log *logger.Logger) (*Writer, error) {
	info, err := os.Stat(path)
	fresh := err != nil || info.Size() == 0

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session csv %s: %w", path, err)
	}
	w := &Writer{file: file, csv: csv.NewWriter(file), log: log.Named("history")}
	if fresh {
		if err := w.csv.Write(header); err != nil {
			file.Close()
			return nil, fmt.Errorf("write session csv header: %w", err)
		}
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			file.Close()
			return nil, err
		}
	}
	w.log.Info().Str("path", path).Msg("Appending completed sessions")
	return w, nil
}

// Append writes one closed session.
func (w *Writer) Append(s *model.Session) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	row := []string{
		s.ID,
		s.ChargerID,
		s.ChargerAlias,
		s.GroupID,
		s.IDTag,
		s.UserName,
		s.StopIDTag,
		model.TimeStr(s.StartTime),
		model.TimeStr(s.EndTime),
		model.DurationStr(s.Duration()),
		model.KwhStr(s.EnergyWh),
		s.Reason,
		historyStr(s.History),
	}
	if err := w.csv.Write(row); err != nil {
		return err
	}
	w.csv.Flush()
	return w.csv.Error()
}

// historyStr renders the offer history as ";"-joined TIME=OFFER tuples. An
// entry before the first allocation has no offer value.
func historyStr(entries []model.OfferEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Offer == nil {
			parts = append(parts, model.TimeStr(e.Time)+"=NoneA")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%dA", model.TimeStr(e.Time), *e.Offer))
	}
	return strings.Join(parts, ";")
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	return w.file.Close()
}
