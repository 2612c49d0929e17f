// Package hierarchy persists the test-execution tree.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/database"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Store provides per-node reads, conditional writes and ancestor traversal
// over the test-execution tree.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	CreateNode(ctx context.Context, n *model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, error)
	GetChildren(ctx context.Context, id string) ([]model.Node, error)
	// GetAncestorChain returns the ancestors of id ordered from the
	// immediate parent up to the root.
	GetAncestorChain(ctx context.Context, id string) ([]model.Node, error)
	// GetNamePath returns the names of id and its ancestors, excluding the
	// root, ordered from the top down.
	GetNamePath(ctx context.Context, id string) ([]string, error)

	// UpdateNode replaces the stored node if its version still equals
	// n.Version, then increments n.Version. It returns model.ErrConflict
	// when the node changed since it was read.
	UpdateNode(ctx context.Context, n *model.Node) error
	// ClaimParent marks id as having children and bumps its version, but
	// only while id is in progress. A finished node yields
	// *model.AlreadyFinishedError.
	ClaimParent(ctx context.Context, id string) error
	// DeleteSubtree removes id and all of its descendants and returns the
	// number of removed nodes.
	DeleteSubtree(ctx context.Context, id string) (int64, error)

	FindRetryCandidate(
		ctx context.Context, fingerprint, launchID string,
	) (*model.Node, error)
	ListLaunchNodes(ctx context.Context, launchID string) ([]model.Node, error)
	// ListOpenDescendants returns the in-progress nodes of a launch,
	// deepest first, excluding the launch itself.
	ListOpenDescendants(ctx context.Context, launchID string) ([]model.Node, error)
	ListStaleLaunches(
		ctx context.Context, startedBefore time.Time,
	) ([]model.Node, error)
	// ListExpiredLaunches returns finished launches whose finish time is
	// before finishedBefore, oldest first.
	ListExpiredLaunches(
		ctx context.Context, finishedBefore time.Time,
	) ([]model.Node, error)
	// MoveLaunchItems re-parents every node of launch from under launch to,
	// rewriting launch ids and paths, and returns the number of moved nodes.
	// Both launches keep their own rows.
	MoveLaunchItems(ctx context.Context, from, to string) (int64, error)
	ListLaunches(
		ctx context.Context, projectID string, limit int,
	) ([]model.Node, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "hierarchy"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	db, err := database.Open(ctx, s.cfg, &nodeRow{})
	if err != nil {
		return fmt.Errorf("opening hierarchy database: %w", err)
	}

	s.db = db

	s.log.WithField("driver", s.cfg.Driver).Info("Hierarchy database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	return database.Close(s.db)
}

func (s *store) CreateNode(ctx context.Context, n *model.Node) error {
	row, err := toRow(n)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("creating node: %w", err)
	}

	return nil
}

func (s *store) GetNode(ctx context.Context, id string) (*model.Node, error) {
	var row nodeRow
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &model.NotFoundError{ID: id}
		}

		return nil, fmt.Errorf("getting node: %w", err)
	}

	return row.toModel()
}

func (s *store) GetChildren(ctx context.Context, id string) ([]model.Node, error) {
	var rows []nodeRow
	if err := s.db.WithContext(ctx).
		Where("parent_id = ?", id).
		Order("started_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing children: %w", err)
	}

	return rowsToModels(rows)
}

func (s *store) GetAncestorChain(ctx context.Context, id string) ([]model.Node, error) {
	n, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	if n.Path == "" {
		return nil, nil
	}

	ids := strings.Split(n.Path, ".")

	var rows []nodeRow
	if err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing ancestors: %w", err)
	}

	byID := make(map[string]nodeRow, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}

	chain := make([]model.Node, 0, len(ids))

	for i := len(ids) - 1; i >= 0; i-- {
		r, ok := byID[ids[i]]
		if !ok {
			return nil, &model.NotFoundError{ID: ids[i]}
		}

		m, err := r.toModel()
		if err != nil {
			return nil, err
		}

		chain = append(chain, *m)
	}

	return chain, nil
}

func (s *store) GetNamePath(ctx context.Context, id string) ([]string, error) {
	n, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	if n.IsRoot() {
		return nil, nil
	}

	chain, err := s.GetAncestorChain(ctx, id)
	if err != nil {
		return nil, err
	}

	// chain runs parent → root; drop the root and reverse.
	names := make([]string, 0, len(chain))
	for i := len(chain) - 2; i >= 0; i-- {
		names = append(names, chain[i].Name)
	}

	return append(names, n.Name), nil
}

func (s *store) UpdateNode(ctx context.Context, n *model.Node) error {
	row, err := toRow(n)
	if err != nil {
		return err
	}

	row.Version = n.Version + 1

	result := s.db.WithContext(ctx).
		Model(&nodeRow{}).
		Where("id = ? AND version = ?", n.ID, n.Version).
		Select("*").
		Updates(row)
	if result.Error != nil {
		return fmt.Errorf("updating node: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		if _, err := s.GetNode(ctx, n.ID); err != nil {
			return err
		}

		return model.ErrConflict
	}

	n.Version = row.Version

	return nil
}

func (s *store) ClaimParent(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&nodeRow{}).
		Where("id = ? AND status = ?", id, string(model.StatusInProgress)).
		Updates(map[string]any{
			"has_children": true,
			"version":      gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("claiming parent: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		n, err := s.GetNode(ctx, id)
		if err != nil {
			return err
		}

		return &model.AlreadyFinishedError{ID: n.ID, Status: n.Status}
	}

	return nil
}

func (s *store) DeleteSubtree(ctx context.Context, id string) (int64, error) {
	n, err := s.GetNode(ctx, id)
	if err != nil {
		return 0, err
	}

	prefix := n.ChildPath()

	result := s.db.WithContext(ctx).
		Where("id = ? OR path = ? OR path LIKE ?", id, prefix, prefix+".%").
		Delete(&nodeRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting subtree: %w", result.Error)
	}

	s.log.WithField("node_id", id).
		WithField("count", result.RowsAffected).
		Debug("Deleted subtree")

	return result.RowsAffected, nil
}

func (s *store) FindRetryCandidate(
	ctx context.Context, fingerprint, launchID string,
) (*model.Node, error) {
	var rows []nodeRow
	if err := s.db.WithContext(ctx).
		Where("fingerprint = ? AND launch_id <> ?", fingerprint, launchID).
		Order("started_at DESC").
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("finding retry candidate: %w", err)
	}

	if len(rows) == 0 {
		return nil, nil
	}

	return rows[0].toModel()
}

func (s *store) ListLaunchNodes(
	ctx context.Context, launchID string,
) ([]model.Node, error) {
	var rows []nodeRow
	if err := s.db.WithContext(ctx).
		Where("launch_id = ?", launchID).
		Order("started_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing launch nodes: %w", err)
	}

	return rowsToModels(rows)
}

func (s *store) ListOpenDescendants(
	ctx context.Context, launchID string,
) ([]model.Node, error) {
	var rows []nodeRow
	if err := s.db.WithContext(ctx).
		Where("launch_id = ? AND id <> ? AND status = ?",
			launchID, launchID, string(model.StatusInProgress)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing open descendants: %w", err)
	}

	nodes, err := rowsToModels(rows)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		return strings.Count(nodes[i].Path, ".") > strings.Count(nodes[j].Path, ".")
	})

	return nodes, nil
}

func (s *store) ListStaleLaunches(
	ctx context.Context, startedBefore time.Time,
) ([]model.Node, error) {
	var rows []nodeRow
	if err := s.db.WithContext(ctx).
		Where("parent_id = ? AND status = ? AND started_at < ?",
			"", string(model.StatusInProgress), startedBefore.UTC()).
		Order("started_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing stale launches: %w", err)
	}

	return rowsToModels(rows)
}

func (s *store) ListExpiredLaunches(
	ctx context.Context, finishedBefore time.Time,
) ([]model.Node, error) {
	var rows []nodeRow
	if err := s.db.WithContext(ctx).
		Where("parent_id = ? AND status <> ? AND finished_at < ?",
			"", string(model.StatusInProgress), finishedBefore.UTC()).
		Order("finished_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing expired launches: %w", err)
	}

	return rowsToModels(rows)
}

func (s *store) MoveLaunchItems(ctx context.Context, from, to string) (int64, error) {
	var moved int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []nodeRow
		if err := tx.
			Select("id", "parent_id", "path").
			Where("launch_id = ? AND id <> ?", from, from).
			Find(&rows).Error; err != nil {
			return fmt.Errorf("listing launch items: %w", err)
		}

		for i := range rows {
			parentID := rows[i].ParentID
			if parentID == from {
				parentID = to
			}

			result := tx.Model(&nodeRow{}).
				Where("id = ?", rows[i].ID).
				Updates(map[string]any{
					"parent_id": parentID,
					"launch_id": to,
					"path":      to + strings.TrimPrefix(rows[i].Path, from),
					"version":   gorm.Expr("version + 1"),
				})
			if result.Error != nil {
				return fmt.Errorf("moving %q: %w", rows[i].ID, result.Error)
			}

			moved += result.RowsAffected
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.WithFields(logrus.Fields{
		"from":  from,
		"to":    to,
		"count": moved,
	}).Debug("Moved launch items")

	return moved, nil
}

func (s *store) ListLaunches(
	ctx context.Context, projectID string, limit int,
) ([]model.Node, error) {
	q := s.db.WithContext(ctx).
		Where("parent_id = ?", "")

	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}

	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []nodeRow
	if err := q.Order("started_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing launches: %w", err)
	}

	return rowsToModels(rows)
}
