package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aegisgate/aegis/internal/models"
	"github.com/aegisgate/aegis/internal/policy"
)

var (
	ErrPolicySetNotFound = errors.New("policy set not found")
	ErrInvalidPolicyDoc  = errors.New("invalid policy document")
)

// GlobalSetName is the display name given to the lazily created global set.
const GlobalSetName = "Global Threat Policy"

// PolicyService manages policy sets and their versioned documents.
type PolicyService struct {
	db *gorm.DB
}

func NewPolicyService(db *gorm.DB) *PolicyService {
	return &PolicyService{db: db}
}

// EnsureGlobalSet returns the global-scope set, creating it with a version 1
// safe-default document on first access. Idempotent.
func (s *PolicyService) EnsureGlobalSet() (*models.PolicySet, error) {
	var set models.PolicySet
	err := s.db.Where("scope = ?", models.PolicyScopeGlobal).First(&set).Error
	if err == nil {
		return &set, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	set = models.PolicySet{
		UUID:  uuid.NewString(),
		Scope: models.PolicyScopeGlobal,
		Name:  GlobalSetName,
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&set).Error; err != nil {
			return err
		}
		doc, err := policy.Encode(policy.Default())
		if err != nil {
			return err
		}
		seed := models.PolicyVersion{
			UUID:        uuid.NewString(),
			PolicySetID: set.ID,
			Version:     1,
			PolicyJSON:  string(doc),
			CreatedBy:   "system",
			IsActive:    true,
		}
		return tx.Create(&seed).Error
	})
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// CreateAppSet creates an app-scoped set bound to the given application.
func (s *PolicyService) CreateAppSet(appID uint, name string) (*models.PolicySet, error) {
	set := models.PolicySet{
		UUID:  uuid.NewString(),
		Scope: models.PolicyScopeApp,
		AppID: &appID,
		Name:  name,
	}
	if err := s.db.Create(&set).Error; err != nil {
		return nil, err
	}
	return &set, nil
}

// ListSets returns all policy sets.
func (s *PolicyService) ListSets() ([]models.PolicySet, error) {
	var sets []models.PolicySet
	if err := s.db.Order("id asc").Find(&sets).Error; err != nil {
		return nil, err
	}
	return sets, nil
}

// ListVersions returns a set's version history, newest first.
func (s *PolicyService) ListVersions(setID uint) ([]models.PolicyVersion, error) {
	var versions []models.PolicyVersion
	if err := s.db.Where("policy_set_id = ?", setID).Order("version desc").Find(&versions).Error; err != nil {
		return nil, err
	}
	return versions, nil
}

// CreateVersion stores a new normalized document revision. The version number
// is the set's current maximum plus one. With activate set, the prior active
// version is deactivated in the same transaction.
func (s *PolicyService) CreateVersion(setID uint, rawDoc []byte, author string, activate bool) (*models.PolicyVersion, error) {
	doc, err := policy.Parse(rawDoc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicyDoc, err)
	}
	encoded, err := policy.Encode(doc)
	if err != nil {
		return nil, err
	}

	var created models.PolicyVersion
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var set models.PolicySet
		if err := tx.First(&set, setID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPolicySetNotFound
			}
			return err
		}

		var maxVersion int
		row := tx.Model(&models.PolicyVersion{}).
			Where("policy_set_id = ?", setID).
			Select("COALESCE(MAX(version), 0)")
		if err := row.Scan(&maxVersion).Error; err != nil {
			return err
		}

		if activate {
			if err := tx.Model(&models.PolicyVersion{}).
				Where("policy_set_id = ? AND is_active = ?", setID, true).
				Update("is_active", false).Error; err != nil {
				return err
			}
		}

		created = models.PolicyVersion{
			UUID:        uuid.NewString(),
			PolicySetID: setID,
			Version:     maxVersion + 1,
			PolicyJSON:  string(encoded),
			CreatedBy:   author,
			IsActive:    activate,
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// ActivateVersion makes the named version the set's active one. A missing
// version is a no-op, not an error.
func (s *PolicyService) ActivateVersion(setID uint, version int) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var target models.PolicyVersion
		err := tx.Where("policy_set_id = ? AND version = ?", setID, version).First(&target).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if target.IsActive {
			return nil
		}
		if err := tx.Model(&models.PolicyVersion{}).
			Where("policy_set_id = ? AND is_active = ?", setID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&target).Update("is_active", true).Error
	})
}

// Rollback activates the highest version strictly below the currently active
// one. With no active version or nothing older, it is a no-op.
func (s *PolicyService) Rollback(setID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var active models.PolicyVersion
		err := tx.Where("policy_set_id = ? AND is_active = ?", setID, true).First(&active).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		var previous models.PolicyVersion
		err = tx.Where("policy_set_id = ? AND version < ?", setID, active.Version).
			Order("version desc").
			First(&previous).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		if err := tx.Model(&active).Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&previous).Update("is_active", true).Error
	})
}

// Effective is the resolved policy for one scope: the set and version it came
// from, plus the normalized document. Set and Version are nil when the
// hard-coded default was used.
type Effective struct {
	Set      *models.PolicySet
	Version  *models.PolicyVersion
	Document policy.Document
}

// EffectivePolicy resolves the policy for an application: its bound app set
// when one has an active version, else the global set's active version, else
// the hard-coded default. Callers never receive "no policy".
func (s *PolicyService) EffectivePolicy(appID *uint) (Effective, error) {
	if appID != nil {
		var set models.PolicySet
		err := s.db.Where("scope = ? AND app_id = ?", models.PolicyScopeApp, *appID).First(&set).Error
		if err == nil {
			if eff, ok, err := s.activeDocument(&set); err != nil {
				return Effective{}, err
			} else if ok {
				return eff, nil
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return Effective{}, err
		}
	}

	var global models.PolicySet
	err := s.db.Where("scope = ?", models.PolicyScopeGlobal).First(&global).Error
	if err == nil {
		if eff, ok, err := s.activeDocument(&global); err != nil {
			return Effective{}, err
		} else if ok {
			return eff, nil
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Effective{}, err
	}

	return Effective{Document: policy.Default()}, nil
}

func (s *PolicyService) activeDocument(set *models.PolicySet) (Effective, bool, error) {
	var active models.PolicyVersion
	err := s.db.Where("policy_set_id = ? AND is_active = ?", set.ID, true).First(&active).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Effective{}, false, nil
		}
		return Effective{}, false, err
	}
	doc, err := policy.Parse([]byte(active.PolicyJSON))
	if err != nil {
		// A stored document that no longer parses is an invariant violation;
		// surface it instead of guessing.
		return Effective{}, false, fmt.Errorf("stored policy version %d unreadable: %w", active.Version, err)
	}
	return Effective{Set: set, Version: &active, Document: doc}, true, nil
}
