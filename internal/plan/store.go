package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/db"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/metrics"
)

var (
	// ErrPlanNotFound is returned when the plan id does not exist.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrVersionNotFound is returned when reverting to a version that was
	// never written.
	ErrVersionNotFound = errors.New("plan version not found")
	// ErrUnknownSection is returned for section keys outside the document
	// layout.
	ErrUnknownSection = errors.New("unknown plan section")
)

// Store persists account plans. Section writes append to a version table
// and never overwrite: concurrent updates to the same section serialize on a
// per-(plan, section) lock and last-writer-wins, with the losing version
// still retrievable.
type Store struct {
	client *db.Client
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a plan store over the database client.
func NewStore(client *db.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Store) sectionLock(planID string, key SectionKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lockKey := planID + "|" + string(key)
	lock, ok := s.locks[lockKey]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[lockKey] = lock
	}
	return lock
}

// Create inserts a new plan header.
func (s *Store) Create(ctx context.Context, userID, companyName string) (*Plan, error) {
	now := time.Now().UTC()
	p := &Plan{
		ID:          uuid.New().String(),
		UserID:      userID,
		CompanyName: companyName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO account_plans (id, user_id, company_name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.UserID, p.CompanyName, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	s.logger.Info("Plan created",
		zap.String("plan_id", p.ID),
		zap.String("company_name", companyName),
	)
	return p, nil
}

// Get loads a plan header.
func (s *Store) Get(ctx context.Context, planID string) (*Plan, error) {
	var p Plan
	err := s.client.DB().GetContext(ctx, &p,
		`SELECT id, user_id, company_name, created_at, updated_at
		 FROM account_plans WHERE id = $1`, planID)
	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &p, nil
}

// FindByCompany returns the user's most recent plan for a company, or
// ErrPlanNotFound.
func (s *Store) FindByCompany(ctx context.Context, userID, companyName string) (*Plan, error) {
	var p Plan
	err := s.client.DB().GetContext(ctx, &p,
		`SELECT id, user_id, company_name, created_at, updated_at
		 FROM account_plans
		 WHERE user_id = $1 AND lower(company_name) = lower($2)
		 ORDER BY updated_at DESC LIMIT 1`, userID, companyName)
	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find plan: %w", err)
	}
	return &p, nil
}

// UpdateSection appends a new version of a section and returns its version
// number.
func (s *Store) UpdateSection(ctx context.Context, planID string, key SectionKey, content SectionContent) (int, error) {
	if !ValidSection(key) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSection, key)
	}

	lock := s.sectionLock(planID, key)
	lock.Lock()
	defer lock.Unlock()

	var version int
	err := s.client.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &version,
			`SELECT COALESCE(MAX(version), 0) FROM plan_versions
			 WHERE plan_id = $1 AND section_key = $2`, planID, key); err != nil {
			return fmt.Errorf("read current version: %w", err)
		}
		version++

		body, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("encode section content: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plan_versions (plan_id, section_key, version, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			planID, key, version, body, time.Now().UTC()); err != nil {
			return fmt.Errorf("append section version: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE account_plans SET updated_at = $1 WHERE id = $2`,
			time.Now().UTC(), planID); err != nil {
			return fmt.Errorf("touch plan: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.PlanWriteFailures.Inc()
		return 0, err
	}

	metrics.PlanVersionsWritten.WithLabelValues(string(key)).Inc()
	s.logger.Debug("Plan section written",
		zap.String("plan_id", planID),
		zap.String("section", string(key)),
		zap.Int("version", version),
	)
	return version, nil
}

// Section returns the latest version of one section, or nil when the section
// has never been written.
func (s *Store) Section(ctx context.Context, planID string, key SectionKey) (*Version, error) {
	if !ValidSection(key) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSection, key)
	}
	row := struct {
		Version   int       `db:"version"`
		Content   []byte    `db:"content"`
		CreatedAt time.Time `db:"created_at"`
	}{}
	err := s.client.DB().GetContext(ctx, &row,
		`SELECT version, content, created_at FROM plan_versions
		 WHERE plan_id = $1 AND section_key = $2
		 ORDER BY version DESC LIMIT 1`, planID, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load section: %w", err)
	}
	return decodeVersion(planID, key, row.Version, row.Content, row.CreatedAt)
}

// Versions returns every stored version of a section, oldest first.
func (s *Store) Versions(ctx context.Context, planID string, key SectionKey) ([]Version, error) {
	if !ValidSection(key) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSection, key)
	}
	rows := []struct {
		Version   int       `db:"version"`
		Content   []byte    `db:"content"`
		CreatedAt time.Time `db:"created_at"`
	}{}
	err := s.client.DB().SelectContext(ctx, &rows,
		`SELECT version, content, created_at FROM plan_versions
		 WHERE plan_id = $1 AND section_key = $2
		 ORDER BY version ASC`, planID, key)
	if err != nil {
		return nil, fmt.Errorf("load versions: %w", err)
	}

	out := make([]Version, 0, len(rows))
	for _, row := range rows {
		v, err := decodeVersion(planID, key, row.Version, row.Content, row.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// Revert appends a copy of an earlier version as the new latest version and
// returns the new version number. History stays intact.
func (s *Store) Revert(ctx context.Context, planID string, key SectionKey, toVersion int) (int, error) {
	if !ValidSection(key) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSection, key)
	}

	row := struct {
		Content []byte `db:"content"`
	}{}
	err := s.client.DB().GetContext(ctx, &row,
		`SELECT content FROM plan_versions
		 WHERE plan_id = $1 AND section_key = $2 AND version = $3`,
		planID, key, toVersion)
	if err == sql.ErrNoRows {
		return 0, ErrVersionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load version %d: %w", toVersion, err)
	}

	var content SectionContent
	if err := json.Unmarshal(row.Content, &content); err != nil {
		return 0, fmt.Errorf("decode version %d: %w", toVersion, err)
	}
	return s.UpdateSection(ctx, planID, key, content)
}

// Document assembles the latest version of every section into the wire form.
func (s *Store) Document(ctx context.Context, planID string) (*Document, error) {
	p, err := s.Get(ctx, planID)
	if err != nil {
		return nil, err
	}

	rows := []struct {
		SectionKey string    `db:"section_key"`
		Version    int       `db:"version"`
		Content    []byte    `db:"content"`
		CreatedAt  time.Time `db:"created_at"`
	}{}
	err = s.client.DB().SelectContext(ctx, &rows,
		`SELECT DISTINCT ON (section_key) section_key, version, content, created_at
		 FROM plan_versions WHERE plan_id = $1
		 ORDER BY section_key, version DESC`, planID)
	if err != nil {
		return nil, fmt.Errorf("load sections: %w", err)
	}

	doc := &Document{
		CompanyName: p.CompanyName,
		LastUpdated: p.UpdatedAt,
	}
	sources := make(map[string]SourceRef)
	for _, row := range rows {
		var content SectionContent
		if err := json.Unmarshal(row.Content, &content); err != nil {
			return nil, fmt.Errorf("decode section %s: %w", row.SectionKey, err)
		}
		doc.setSection(SectionKey(row.SectionKey), content)
		for _, src := range content.Sources {
			if prev, ok := sources[src.URL]; !ok || src.ExtractedAt.After(prev.ExtractedAt) {
				sources[src.URL] = src
			}
		}
	}
	doc.Sources = make([]SourceRef, 0, len(sources))
	for _, src := range sources {
		doc.Sources = append(doc.Sources, src)
	}
	sort.Slice(doc.Sources, func(i, j int) bool {
		return doc.Sources[i].URL < doc.Sources[j].URL
	})
	return doc, nil
}

func decodeVersion(planID string, key SectionKey, version int, body []byte, createdAt time.Time) (*Version, error) {
	var content SectionContent
	if err := json.Unmarshal(body, &content); err != nil {
		return nil, fmt.Errorf("decode section %s v%d: %w", key, version, err)
	}
	return &Version{
		PlanID:     planID,
		SectionKey: key,
		Version:    version,
		Content:    content,
		CreatedAt:  createdAt,
	}, nil
}
