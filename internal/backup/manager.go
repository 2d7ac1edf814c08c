package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/records"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	timestampLayout = "2006-01-02_15-04-05"
	fileExtension   = ".json"
	tempExtension   = ".tmp"
	trashDirName    = ".trash"
	maxCollisions   = 1000
)

var (
	// ErrInvalidRetention indicates a negative retention window.
	ErrInvalidRetention = errors.New("backup: invalid retention")
	// ErrInvalidSnapshot indicates a file that does not decode into a Snapshot.
	ErrInvalidSnapshot = errors.New("backup: invalid snapshot")
)

// Snapshot is the persisted content of one backup file.
type Snapshot struct {
	RecordsByID records.Collection `json:"recordsById"`
	UIState     map[string]any     `json:"uiState"`
	SavedAt     time.Time          `json:"savedAt"`
}

// Entry describes a snapshot on disk.
type Entry struct {
	Path    string
	Name    string
	Station stations.Station
	SavedAt time.Time

	sequence int
}

// Config wires a Manager.
type Config struct {
	Fs     afero.Fs
	Dir    string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Manager writes, lists and prunes local snapshots.
type Manager struct {
	fs     afero.Fs
	dir    string
	clock  func() time.Time
	logger *zap.Logger
	mu     sync.Mutex
}

// NewManager builds a manager rooted at cfg.Dir. A nil Fs uses the OS filesystem.
func NewManager(cfg Config) *Manager {
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{fs: fs, dir: cfg.Dir, clock: clock, logger: logger}
}

// Dir returns the backup root.
func (m *Manager) Dir() string {
	return m.dir
}

// Snapshot writes a new snapshot for the station. The file appears under its final name
// only once fully written.
func (m *Manager) Snapshot(station stations.Station, collection records.Collection, uiState map[string]any) (Entry, error) {
	if !station.Valid() {
		return Entry{}, stations.ErrInvalidStation
	}
	savedAt := m.clock().Truncate(time.Second)
	payload, err := json.MarshalIndent(Snapshot{
		RecordsByID: collection.Clone(),
		UIState:     uiState,
		SavedAt:     savedAt,
	}, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("backup: encode snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stationDir := path.Join(m.dir, station.String())
	if err := m.fs.MkdirAll(stationDir, 0o700); err != nil {
		return Entry{}, fmt.Errorf("backup: create directory: %w", err)
	}
	name, err := m.freeName(stationDir, station, savedAt)
	if err != nil {
		return Entry{}, err
	}
	finalPath := path.Join(stationDir, name)
	tempPath := finalPath + tempExtension
	if err := afero.WriteFile(m.fs, tempPath, payload, 0o600); err != nil {
		return Entry{}, fmt.Errorf("backup: write snapshot: %w", err)
	}
	if err := m.fs.Rename(tempPath, finalPath); err != nil {
		_ = m.fs.Remove(tempPath)
		return Entry{}, fmt.Errorf("backup: finalize snapshot: %w", err)
	}
	m.logger.Debug("snapshot written", zap.String("path", finalPath))
	return Entry{Path: finalPath, Name: name, Station: station, SavedAt: savedAt}, nil
}

func (m *Manager) freeName(stationDir string, station stations.Station, savedAt time.Time) (string, error) {
	stamp := savedAt.Local().Format(timestampLayout)
	for attempt := 0; attempt < maxCollisions; attempt++ {
		name := stamp + "_" + station.String() + fileExtension
		if attempt > 0 {
			name = fmt.Sprintf("%s-%d_%s%s", stamp, attempt, station.String(), fileExtension)
		}
		exists, err := afero.Exists(m.fs, path.Join(stationDir, name))
		if err != nil {
			return "", fmt.Errorf("backup: stat snapshot: %w", err)
		}
		if !exists {
			return name, nil
		}
	}
	return "", fmt.Errorf("backup: too many snapshots at %s", stamp)
}

// List returns the station's snapshots, newest first.
func (m *Manager) List(station stations.Station) ([]Entry, error) {
	stationDir := path.Join(m.dir, station.String())
	infos, err := afero.ReadDir(m.fs, stationDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: list snapshots: %w", err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		savedAt, sequence, ok := parseName(info.Name(), station)
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			Path:     path.Join(stationDir, info.Name()),
			Name:     info.Name(),
			Station:  station,
			SavedAt:  savedAt,
			sequence: sequence,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].SavedAt.Equal(entries[j].SavedAt) {
			return entries[i].SavedAt.After(entries[j].SavedAt)
		}
		return entries[i].sequence > entries[j].sequence
	})
	return entries, nil
}

// Read decodes a snapshot file.
func (m *Manager) Read(filePath string) (Snapshot, error) {
	payload, err := afero.ReadFile(m.fs, filePath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("backup: read snapshot: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if snapshot.RecordsByID == nil {
		snapshot.RecordsByID = records.Collection{}
	}
	return snapshot, nil
}

// Latest reads the newest snapshot of the station. It reports false when the station has none.
func (m *Manager) Latest(station stations.Station) (Snapshot, Entry, bool, error) {
	entries, err := m.List(station)
	if err != nil || len(entries) == 0 {
		return Snapshot{}, Entry{}, false, err
	}
	snapshot, err := m.Read(entries[0].Path)
	if err != nil {
		return Snapshot{}, entries[0], false, err
	}
	return snapshot, entries[0], true, nil
}

// Cleanup moves snapshots older than the retention window into the trash directory for
// both stations. A zero window moves every existing snapshot. It returns the moved count.
func (m *Manager) Cleanup(retentionDays int) (int, error) {
	return m.cleanup(retentionDays, nil)
}

// CleanupKeeping is Cleanup after a save: keep and anything saved later always survive,
// so a zero window leaves exactly the newest snapshot.
func (m *Manager) CleanupKeeping(retentionDays int, keep Entry) (int, error) {
	return m.cleanup(retentionDays, &keep)
}

func (m *Manager) cleanup(retentionDays int, keep *Entry) (int, error) {
	if retentionDays < 0 {
		return 0, ErrInvalidRetention
	}
	cutoff := m.clock().AddDate(0, 0, -retentionDays)

	m.mu.Lock()
	defer m.mu.Unlock()

	moved := 0
	var errs []error
	for _, station := range stations.All() {
		entries, err := m.List(station)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		trashDir := path.Join(m.dir, trashDirName, station.String())
		for _, entry := range entries {
			if retentionDays > 0 && !entry.SavedAt.Before(cutoff) {
				continue
			}
			if keep != nil && (entry.Path == keep.Path || entry.SavedAt.After(keep.SavedAt)) {
				continue
			}
			if err := m.fs.MkdirAll(trashDir, 0o700); err != nil {
				errs = append(errs, fmt.Errorf("backup: create trash: %w", err))
				break
			}
			if err := m.fs.Rename(entry.Path, path.Join(trashDir, entry.Name)); err != nil {
				errs = append(errs, fmt.Errorf("backup: trash %s: %w", entry.Name, err))
				continue
			}
			moved++
		}
	}
	if moved > 0 {
		m.logger.Info("snapshots moved to trash", zap.Int("count", moved), zap.Int("retention_days", retentionDays))
	}
	return moved, errors.Join(errs...)
}

// parseName extracts the timestamp and collision sequence from "<stamp>[-N]_<station>.json".
func parseName(name string, station stations.Station) (time.Time, int, bool) {
	suffix := "_" + station.String() + fileExtension
	if !strings.HasSuffix(name, suffix) {
		return time.Time{}, 0, false
	}
	stamp := strings.TrimSuffix(name, suffix)
	if len(stamp) < len(timestampLayout) {
		return time.Time{}, 0, false
	}
	savedAt, err := time.ParseInLocation(timestampLayout, stamp[:len(timestampLayout)], time.Local)
	if err != nil {
		return time.Time{}, 0, false
	}
	sequence := 0
	if rest := stamp[len(timestampLayout):]; rest != "" {
		value, err := strconv.Atoi(strings.TrimPrefix(rest, "-"))
		if err != nil || !strings.HasPrefix(rest, "-") {
			return time.Time{}, 0, false
		}
		sequence = value
	}
	return savedAt, sequence, true
}
