package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// handleAttempts bounds the numeric-suffix search for a free handle.
const handleAttempts = 1000

// ServiceConfig describes the dependencies required for identity reconciliation.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Service reconciles inbound credential assertions onto durable identity
// records and owns all reads and writes of the identity tables.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, logger: logger, now: clock}, nil
}

// Outcome reports the identity an assertion resolved to and whether the
// reconciliation created it.
type Outcome struct {
	Identity Identity
	Created  bool
}

// Reconcile finds or creates the identity for the assertion. A fresh email
// creates identity, auth method, and activity in one transaction. An existing
// email bound to a different provider yields a ConflictError naming the
// provider the caller must use instead.
func (s *Service) Reconcile(ctx context.Context, assertion CredentialAssertion) (Outcome, error) {
	assertion = NormalizeAssertion(assertion)
	if err := assertion.validate(); err != nil {
		return Outcome{}, err
	}

	outcome, err := s.reconcileOnce(ctx, assertion)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent registration won the insert race, so the email now
		// exists and the retry takes the existing-identity path.
		s.logger.Debug("reconcile retrying after duplicate insert", zap.String("email", assertion.Email))
		outcome, err = s.reconcileOnce(ctx, assertion)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return Outcome{}, persistence(err)
	}
	return outcome, err
}

func (s *Service) reconcileOnce(ctx context.Context, assertion CredentialAssertion) (Outcome, error) {
	var outcome Outcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Identity
		err := tx.Where("email = ?", assertion.Email).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created, createErr := s.createIdentity(tx, assertion)
			if createErr != nil {
				return createErr
			}
			outcome = Outcome{Identity: created, Created: true}
			return nil
		case err != nil:
			return persistence(err)
		}

		updated, linkErr := s.linkExisting(tx, assertion, existing)
		if linkErr != nil {
			return linkErr
		}
		outcome = Outcome{Identity: updated}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func (s *Service) createIdentity(tx *gorm.DB, assertion CredentialAssertion) (Identity, error) {
	handle, err := s.freeHandle(tx, assertion.handleBase())
	if err != nil {
		return Identity{}, err
	}

	record := Identity{
		ID:          uuid.NewString(),
		DisplayName: assertion.DisplayName,
		Handle:      handle,
		Email:       assertion.Email,
		AvatarURL:   assertion.AvatarURL,
		Role:        RoleUser,
		Active:      true,
	}
	if err := tx.Create(&record).Error; err != nil {
		return Identity{}, storeErr(err)
	}

	method := buildAuthMethod(assertion, record.ID)
	if err := tx.Create(&method).Error; err != nil {
		return Identity{}, storeErr(err)
	}

	if err := tx.Create(&Activity{IdentityID: record.ID}).Error; err != nil {
		return Identity{}, storeErr(err)
	}

	return record, nil
}

// freeHandle walks base, base1, base2, ... re-checking uniqueness inside the
// caller's transaction until an unclaimed handle is found.
func (s *Service) freeHandle(tx *gorm.DB, base string) (string, error) {
	if base == "" {
		base = "user"
	}
	for attempt := 0; attempt < handleAttempts; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = base + strconv.Itoa(attempt)
		}
		var count int64
		if err := tx.Model(&Identity{}).Where("handle = ?", candidate).Count(&count).Error; err != nil {
			return "", persistence(err)
		}
		if count == 0 {
			return candidate, nil
		}
	}
	return "", ErrHandleExhausted
}

func (s *Service) linkExisting(tx *gorm.DB, assertion CredentialAssertion, existing Identity) (Identity, error) {
	var methods []AuthMethod
	if err := tx.Where("identity_id = ?", existing.ID).Find(&methods).Error; err != nil {
		return Identity{}, persistence(err)
	}

	if len(methods) == 0 {
		// Integrity edge: the identity predates its credentials. Adopt the
		// asserted provider as its method.
		method := buildAuthMethod(assertion, existing.ID)
		if err := tx.Create(&method).Error; err != nil {
			return Identity{}, storeErr(err)
		}
	} else if !hasProvider(methods, assertion.Provider) {
		return Identity{}, &ConflictError{RequiredProvider: methods[0].Provider}
	}

	// Only IdP-verified profiles refresh the stored fields. A password
	// assertion reaching an existing identity is unproven at this point.
	updates := map[string]interface{}{}
	if assertion.Provider != ProviderPassword {
		if assertion.DisplayName != "" && assertion.DisplayName != existing.DisplayName {
			updates["display_name"] = assertion.DisplayName
			existing.DisplayName = assertion.DisplayName
		}
		if assertion.AvatarURL != "" && assertion.AvatarURL != existing.AvatarURL {
			updates["avatar_url"] = assertion.AvatarURL
			existing.AvatarURL = assertion.AvatarURL
		}
	}
	if len(updates) > 0 {
		if err := tx.Model(&Identity{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return Identity{}, persistence(err)
		}
	}

	var activityCount int64
	if err := tx.Model(&Activity{}).Where("identity_id = ?", existing.ID).Count(&activityCount).Error; err != nil {
		return Identity{}, persistence(err)
	}
	if activityCount == 0 {
		if err := tx.Create(&Activity{IdentityID: existing.ID}).Error; err != nil {
			return Identity{}, storeErr(err)
		}
	}

	return existing, nil
}

// GetByID loads an identity by its opaque id.
func (s *Service) GetByID(ctx context.Context, identityID string) (Identity, error) {
	var record Identity
	err := s.db.WithContext(ctx).Where("id = ?", identityID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, persistence(err)
	}
	return record, nil
}

// GetByEmail loads an identity by its normalized email.
func (s *Service) GetByEmail(ctx context.Context, email string) (Identity, error) {
	var record Identity
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, persistence(err)
	}
	return record, nil
}

// List returns every identity, newest first.
func (s *Service) List(ctx context.Context) ([]Identity, error) {
	var records []Identity
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, persistence(err)
	}
	return records, nil
}

// MethodsByIdentity returns the auth methods bound to an identity.
func (s *Service) MethodsByIdentity(ctx context.Context, identityID string) ([]AuthMethod, error) {
	var methods []AuthMethod
	if err := s.db.WithContext(ctx).Where("identity_id = ?", identityID).Order("id").Find(&methods).Error; err != nil {
		return nil, persistence(err)
	}
	return methods, nil
}

// ProviderOf reports which provider the identity signs in with.
func (s *Service) ProviderOf(ctx context.Context, identityID string) (Provider, error) {
	methods, err := s.MethodsByIdentity(ctx, identityID)
	if err != nil {
		return "", err
	}
	if len(methods) == 0 {
		return "", ErrNotFound
	}
	return methods[0].Provider, nil
}

// PasswordMethod returns the password auth method for an identity, or
// ErrNotFound when the identity is IdP-backed only.
func (s *Service) PasswordMethod(ctx context.Context, identityID string) (AuthMethod, error) {
	var method AuthMethod
	err := s.db.WithContext(ctx).
		Where("identity_id = ? AND provider = ?", identityID, ProviderPassword).
		First(&method).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AuthMethod{}, ErrNotFound
	}
	if err != nil {
		return AuthMethod{}, persistence(err)
	}
	return method, nil
}

// SetPasswordHash replaces the stored password hash, creating the password
// auth method when the identity does not have one yet.
func (s *Service) SetPasswordHash(ctx context.Context, identityID, passwordHash string) error {
	if passwordHash == "" {
		return fmt.Errorf("%w: password hash required", ErrValidation)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var method AuthMethod
		err := tx.Where("identity_id = ? AND provider = ?", identityID, ProviderPassword).First(&method).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			hash := passwordHash
			record := AuthMethod{IdentityID: identityID, Provider: ProviderPassword, PasswordHash: &hash}
			if createErr := tx.Create(&record).Error; createErr != nil {
				return storeErr(createErr)
			}
			return nil
		}
		if err != nil {
			return persistence(err)
		}
		if err := tx.Model(&AuthMethod{}).Where("id = ?", method.ID).Update("password_hash", passwordHash).Error; err != nil {
			return persistence(err)
		}
		return nil
	})
}

// UpdateProfile mutates only the fields enumerated in ProfileUpdate and
// returns the refreshed identity.
func (s *Service) UpdateProfile(ctx context.Context, identityID string, update ProfileUpdate) (Identity, error) {
	updates := map[string]interface{}{}
	if update.DisplayName != nil {
		updates["display_name"] = normalize(*update.DisplayName)
	}
	if update.AvatarURL != nil {
		updates["avatar_url"] = normalize(*update.AvatarURL)
	}
	if len(updates) > 0 {
		result := s.db.WithContext(ctx).Model(&Identity{}).Where("id = ?", identityID).Updates(updates)
		if result.Error != nil {
			return Identity{}, persistence(result.Error)
		}
		if result.RowsAffected == 0 {
			return Identity{}, ErrNotFound
		}
	}
	return s.GetByID(ctx, identityID)
}

// RecordLogin overwrites the activity row for the identity in place.
func (s *Service) RecordLogin(ctx context.Context, identityID string, update ActivityUpdate) error {
	at := update.At
	if at.IsZero() {
		at = s.now()
	}
	values := map[string]interface{}{
		"last_login_at":     at,
		"last_login_ip":     update.IP,
		"last_login_device": update.Device,
	}
	result := s.db.WithContext(ctx).Model(&Activity{}).Where("identity_id = ?", identityID).Updates(values)
	if result.Error != nil {
		return persistence(result.Error)
	}
	if result.RowsAffected == 0 {
		record := Activity{IdentityID: identityID, LastLoginAt: &at, LastLoginIP: update.IP, LastLoginDevice: update.Device}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			return storeErr(err)
		}
	}
	return nil
}

// ActivityFor returns the login activity row for an identity.
func (s *Service) ActivityFor(ctx context.Context, identityID string) (Activity, error) {
	var record Activity
	err := s.db.WithContext(ctx).Where("identity_id = ?", identityID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Activity{}, ErrNotFound
	}
	if err != nil {
		return Activity{}, persistence(err)
	}
	return record, nil
}

// Delete removes an identity and cascades to its auth methods and activity.
// Administrative operation only.
func (s *Service) Delete(ctx context.Context, identityID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identity_id = ?", identityID).Delete(&Activity{}).Error; err != nil {
			return persistence(err)
		}
		if err := tx.Where("identity_id = ?", identityID).Delete(&AuthMethod{}).Error; err != nil {
			return persistence(err)
		}
		result := tx.Where("id = ?", identityID).Delete(&Identity{})
		if result.Error != nil {
			return persistence(result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func buildAuthMethod(assertion CredentialAssertion, identityID string) AuthMethod {
	method := AuthMethod{IdentityID: identityID, Provider: assertion.Provider}
	if assertion.Provider == ProviderPassword {
		hash := assertion.PasswordHash
		method.PasswordHash = &hash
	} else {
		subject := assertion.ProviderSubjectID
		method.ProviderSubjectID = &subject
	}
	return method
}

func hasProvider(methods []AuthMethod, provider Provider) bool {
	for _, method := range methods {
		if method.Provider == provider {
			return true
		}
	}
	return false
}

func storeErr(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}
	return persistence(err)
}
