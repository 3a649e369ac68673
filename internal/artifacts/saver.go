package artifacts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/acquisition"
	"go.uber.org/zap"
)

const timestampLayout = "20060102T150405.000"

// Saver writes drained arrays below one directory. File names are
// <signal>_<counter>_<timestamp>.<ext>; the counter is per signal and never
// reuses a value within the process lifetime.
type Saver struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	counters map[string]int
}

func NewSaver(dir string, logger *zap.Logger) *Saver {
	return &Saver{
		dir:      dir,
		now:      time.Now,
		logger:   logger,
		counters: make(map[string]int),
	}
}

func (s *Saver) Dir() string {
	return s.dir
}

// Save implements acquisition.Sink.
func (s *Saver) Save(signal string, values []float64, raw []byte, spec acquisition.SaveSpec) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	s.mu.Lock()
	s.counters[signal]++
	n := s.counters[signal]
	s.mu.Unlock()

	ext := spec.Ext
	if ext == "" {
		ext = spec.Format
	}
	name := fmt.Sprintf("%s_%04d_%s.%s", signal, n, s.now().UTC().Format(timestampLayout), ext)
	path := filepath.Join(s.dir, name)

	var err error
	switch spec.Format {
	case "binary":
		err = writeBinary(path, raw)
	case "csv", "":
		err = writeCSV(path, values)
	default:
		err = fmt.Errorf("unknown artifact format %q", spec.Format)
	}
	if err != nil {
		return "", err
	}

	s.logger.Info("Artifact written",
		zap.String("signal", signal),
		zap.String("path", path),
		zap.Int("points", len(values)))
	return path, nil
}

func writeBinary(path string, raw []byte) error {
	if len(raw) == 0 {
		return errors.New("binary artifact has no payload")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

func writeCSV(path string, values []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"index", "value"}); err != nil {
		return err
	}
	for i, v := range values {
		if err := w.Write([]string{strconv.Itoa(i), strconv.FormatFloat(v, 'g', -1, 64)}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return f.Close()
}
