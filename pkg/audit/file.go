package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink appends events as JSON lines to a per-day log file,
// security-YYYY-MM-DD.log, under the configured directory. The log is
// append-only; a new file opens automatically at midnight UTC.
type FileSink struct {
	mu    sync.Mutex
	dir   string
	day   string
	file  *os.File
	clock func() time.Time
}

// NewFileSink creates the log directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileSink{dir: dir, clock: time.Now}, nil
}

// WithClock overrides the clock for testing.
func (s *FileSink) WithClock(clock func() time.Time) *FileSink {
	s.clock = clock
	return s
}

func (s *FileSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.clock().UTC().Format("2006-01-02")
	if s.file == nil || day != s.day {
		if s.file != nil {
			_ = s.file.Close()
		}
		path := filepath.Join(s.dir, "security-"+day+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return
		}
		s.file = f
		s.day = day
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = s.file.Write(append(data, '\n'))
}

// Close releases the current log file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadDay loads all events logged on the given UTC day. Malformed lines are
// skipped.
func (s *FileSink) ReadDay(day time.Time) ([]Event, error) {
	path := filepath.Join(s.dir, "security-"+day.UTC().Format("2006-01-02")+".log")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var events []Event
	decoder := json.NewDecoder(f)
	for decoder.More() {
		var ev Event
		if err := decoder.Decode(&ev); err != nil {
			break
		}
		events = append(events, ev)
	}
	return events, nil
}
