// Package taxonomy resolves defect type locators against a project's
// configured defect taxonomy: the built-in families plus project-specific
// subtypes.
package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/database"
	"github.com/ethpandaops/reportoor/pkg/model"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Provider resolves locators for a project.
type Provider interface {
	// Resolve returns the defect type for locator, or false when the
	// project does not define it.
	Resolve(ctx context.Context, projectID, locator string) (*model.DefectType, bool, error)
	// DefaultInvestigateLocator returns the locator assigned to failures
	// nobody classified yet.
	DefaultInvestigateLocator(projectID string) string
}

// Store is a Provider whose subtypes are persisted.
type Store interface {
	Provider

	Start(ctx context.Context) error
	Stop() error

	List(ctx context.Context, projectID string) ([]model.DefectType, error)
	AddSubtype(ctx context.Context, projectID string, dt *model.DefectType) error
	// SeedFile loads subtypes from a YAML file keyed by project id.
	SeedFile(ctx context.Context, path string) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

// subtypeRow is a project-specific defect type.
type subtypeRow struct {
	ID        uint   `gorm:"primaryKey"`
	ProjectID string `gorm:"not null;uniqueIndex:idx_subtype_project_locator"`
	Locator   string `gorm:"not null;uniqueIndex:idx_subtype_project_locator"`
	Family    string `gorm:"not null"`
	LongName  string `gorm:"not null"`
	ShortName string `gorm:"not null"`
	Color     string
}

func (subtypeRow) TableName() string {
	return "defect_subtypes"
}

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a taxonomy Store backed by the configured database.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "taxonomy"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	db, err := database.Open(ctx, s.cfg, &subtypeRow{})
	if err != nil {
		return fmt.Errorf("opening taxonomy database: %w", err)
	}

	s.db = db

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	return database.Close(s.db)
}

// builtins are available to every project.
var builtins = map[string]model.DefectType{
	"pb001": {Locator: "pb001", Family: model.FamilyProductBug, LongName: "Product Bug", ShortName: "PB", Color: "#ec3900"},
	"ab001": {Locator: "ab001", Family: model.FamilyAutomationBug, LongName: "Automation Bug", ShortName: "AB", Color: "#f7d63e"},
	"si001": {Locator: "si001", Family: model.FamilySystemIssue, LongName: "System Issue", ShortName: "SI", Color: "#0274d1"},
	"ti001": {Locator: "ti001", Family: model.FamilyToInvestigate, LongName: "To Investigate", ShortName: "TI", Color: "#ffb743"},
	"nd001": {Locator: "nd001", Family: model.FamilyNoDefect, LongName: "No Defect", ShortName: "ND", Color: "#777777"},
}

// Builtin returns the built-in defect type for locator.
func Builtin(locator string) (model.DefectType, bool) {
	dt, ok := builtins[strings.ToLower(locator)]

	return dt, ok
}

func (s *store) Resolve(
	ctx context.Context, projectID, locator string,
) (*model.DefectType, bool, error) {
	if dt, ok := Builtin(locator); ok {
		return &dt, true, nil
	}

	var row subtypeRow

	err := s.db.WithContext(ctx).
		Where("project_id = ? AND locator = ?", projectID, locator).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("resolving locator %q: %w", locator, err)
	}

	return &model.DefectType{
		Locator:   row.Locator,
		Family:    model.Family(row.Family),
		LongName:  row.LongName,
		ShortName: row.ShortName,
		Color:     row.Color,
	}, true, nil
}

func (s *store) DefaultInvestigateLocator(_ string) string {
	return model.FamilyToInvestigate.DefaultLocator()
}

func (s *store) List(ctx context.Context, projectID string) ([]model.DefectType, error) {
	out := make([]model.DefectType, 0, len(builtins))
	for _, f := range model.Families() {
		out = append(out, builtins[f.DefaultLocator()])
	}

	var rows []subtypeRow
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("family ASC, locator ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing subtypes: %w", err)
	}

	for _, r := range rows {
		out = append(out, model.DefectType{
			Locator:   r.Locator,
			Family:    model.Family(r.Family),
			LongName:  r.LongName,
			ShortName: r.ShortName,
			Color:     r.Color,
		})
	}

	return out, nil
}

func (s *store) AddSubtype(
	ctx context.Context, projectID string, dt *model.DefectType,
) error {
	if projectID == "" {
		return fmt.Errorf("project id is required")
	}

	if dt.Locator == "" || dt.LongName == "" || dt.ShortName == "" {
		return fmt.Errorf("locator, long name and short name are required")
	}

	if model.IsNotIssue(dt.Locator) {
		return fmt.Errorf("locator %q is reserved", dt.Locator)
	}

	if _, ok := Builtin(dt.Locator); ok {
		return fmt.Errorf("locator %q is a built-in type", dt.Locator)
	}

	family, err := model.ParseFamily(string(dt.Family))
	if err != nil {
		return err
	}

	row := subtypeRow{
		ProjectID: projectID,
		Locator:   dt.Locator,
		Family:    string(family),
		LongName:  dt.LongName,
		ShortName: dt.ShortName,
		Color:     dt.Color,
	}

	result := s.db.WithContext(ctx).
		Where("project_id = ? AND locator = ?", projectID, dt.Locator).
		Assign(subtypeRow{
			Family:    row.Family,
			LongName:  row.LongName,
			ShortName: row.ShortName,
			Color:     row.Color,
		}).
		FirstOrCreate(&row)
	if result.Error != nil {
		return fmt.Errorf("upserting subtype: %w", result.Error)
	}

	return nil
}

// seedFile is the YAML layout of a taxonomy seed file:
//
//	projects:
//	  my-project:
//	    - locator: pb_flaky_net
//	      family: PRODUCT_BUG
//	      long_name: Flaky network
//	      short_name: FN
type seedFile struct {
	Projects map[string][]seedSubtype `yaml:"projects"`
}

type seedSubtype struct {
	Locator   string `yaml:"locator"`
	Family    string `yaml:"family"`
	LongName  string `yaml:"long_name"`
	ShortName string `yaml:"short_name"`
	Color     string `yaml:"color,omitempty"`
}

func (s *store) SeedFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading taxonomy file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parsing taxonomy file: %w", err)
	}

	projects := make([]string, 0, len(seed.Projects))
	for p := range seed.Projects {
		projects = append(projects, p)
	}

	sort.Strings(projects)

	count := 0

	for _, projectID := range projects {
		for _, st := range seed.Projects[projectID] {
			dt := &model.DefectType{
				Locator:   st.Locator,
				Family:    model.Family(st.Family),
				LongName:  st.LongName,
				ShortName: st.ShortName,
				Color:     st.Color,
			}

			if err := s.AddSubtype(ctx, projectID, dt); err != nil {
				return fmt.Errorf("seeding %s/%s: %w", projectID, st.Locator, err)
			}

			count++
		}
	}

	s.log.WithField("count", count).Info("Seeded defect subtypes from file")

	return nil
}
