package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"healthsurveil/db"
	"healthsurveil/ml"
)

var ErrModelNotFound = errors.New("model not found")

var (
	validName   = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	versionFile = regexp.MustCompile(`^v([0-9]+)\.json$`)
)

// Recorder registers saved versions; *db.DB implements it.
type Recorder interface {
	RecordModel(ctx context.Context, rec db.ModelRecord, log *db.TrainingLog) error
}

// ModelStore keeps every trained version of a model as
// <dir>/<name>/v<N>.json. Versions are immutable once written.
type ModelStore struct {
	dir      string
	cache    *lru.Cache[string, *ml.Artifact]
	recorder Recorder
	logger   *zap.Logger

	mu sync.Mutex
}

func New(dir string, cacheSize int, recorder Recorder, logger *zap.Logger) (*ModelStore, error) {
	if dir == "" {
		return nil, errors.New("models dir is empty")
	}
	if cacheSize <= 0 {
		cacheSize = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}
	cache, err := lru.New[string, *ml.Artifact](cacheSize)
	if err != nil {
		return nil, err
	}
	return &ModelStore{dir: dir, cache: cache, recorder: recorder, logger: logger}, nil
}

func (s *ModelStore) Dir() string { return s.dir }

func cacheKey(name string, version int) string {
	return name + "@" + strconv.Itoa(version)
}

func (s *ModelStore) path(name string, version int) string {
	return filepath.Join(s.dir, name, fmt.Sprintf("v%d.json", version))
}

// Save assigns a.Version the next free version of a.Name and writes it. When
// a recorder is configured the version and its metrics are recorded too.
func (s *ModelStore) Save(ctx context.Context, a *ml.Artifact) error {
	if !validName.MatchString(a.Name) {
		return fmt.Errorf("invalid model name %q", a.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.Versions(a.Name)
	if err != nil && !errors.Is(err, ErrModelNotFound) {
		return err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}
	// another process may claim a version between the listing and the write
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.Version = next
		err := a.Save(s.path(a.Name, next))
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("save %s v%d: %w", a.Name, next, err)
		}
		next++
	}
	s.cache.Add(cacheKey(a.Name, a.Version), a)
	s.logger.Info("model version saved",
		zap.String("model", a.Name),
		zap.Int("version", a.Version),
		zap.String("type", a.Type),
		zap.Int("data_points", a.DataPoints))

	if s.recorder == nil {
		return nil
	}
	rec := db.ModelRecord{
		Name:       a.Name,
		Version:    a.Version,
		Type:       a.Type,
		Path:       s.path(a.Name, a.Version),
		DataPoints: a.DataPoints,
		CreatedAt:  a.CreatedAt,
	}
	var log *db.TrainingLog
	if a.Metrics != nil {
		rec.Accuracy = &a.Metrics.Accuracy
		log = &db.TrainingLog{
			ModelName:  a.Name,
			Version:    a.Version,
			Accuracy:   a.Metrics.Accuracy,
			Precision:  a.Metrics.Precision,
			Recall:     a.Metrics.Recall,
			TrainedAt:  a.CreatedAt,
			DataPoints: a.DataPoints,
		}
	}
	if err := s.recorder.RecordModel(ctx, rec, log); err != nil {
		// the file is the source of truth; the registry can be rebuilt
		s.logger.Warn("record model version failed", zap.String("model", a.Name), zap.Int("version", a.Version), zap.Error(err))
	}
	return nil
}

// Versions lists the saved versions of name in ascending order.
func (s *ModelStore) Versions(name string) ([]int, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrModelNotFound, name)
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	var versions []int
	for _, entry := range entries {
		m := versionFile.FindStringSubmatch(entry.Name())
		if m == nil || entry.IsDir() {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil || v <= 0 {
			continue
		}
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	sort.Ints(versions)
	return versions, nil
}

// Names lists the models that have at least one version.
func (s *ModelStore) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !validName.MatchString(entry.Name()) {
			continue
		}
		if _, err := s.Versions(entry.Name()); err == nil {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func (s *ModelStore) Load(ctx context.Context, name string, version int) (*ml.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := cacheKey(name, version)
	if a, ok := s.cache.Get(key); ok {
		return a, nil
	}
	a, err := ml.LoadArtifact(s.path(name, version))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s v%d", ErrModelNotFound, name, version)
	}
	if err != nil {
		return nil, err
	}
	if _, err := a.Model(); err != nil {
		return nil, fmt.Errorf("load %s v%d: %w", name, version, err)
	}
	s.cache.Add(key, a)
	s.logger.Debug("model version loaded", zap.String("model", name), zap.Int("version", version))
	return a, nil
}

func (s *ModelStore) Latest(ctx context.Context, name string) (*ml.Artifact, error) {
	versions, err := s.Versions(name)
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, name, versions[len(versions)-1])
}

// evict drops the cached copy of the version stored at path, if any.
func (s *ModelStore) evict(path string) bool {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return false
	}
	name, file := filepath.Split(rel)
	name = strings.TrimSuffix(name, string(filepath.Separator))
	m := versionFile.FindStringSubmatch(file)
	if m == nil || name == "" || strings.Contains(name, string(filepath.Separator)) {
		return false
	}
	version, _ := strconv.Atoi(m[1])
	return s.cache.Remove(cacheKey(name, version))
}
