package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/stationsync/internal/auth"
	"github.com/MarcoPoloResearchLab/stationsync/internal/serviceerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxDisplayNameLength = 64
	minPasswordLength    = 8

	opServiceNew      = "users.service.new"
	opAddUser         = "users.add_user"
	opAuthenticate    = "users.authenticate"
	opProfile         = "users.profile"
	opSetDisplayName  = "users.set_display_name"
	opEnsureProfile   = "users.ensure_profile"
	messageUsersError = "users service error"
)

var (
	// ErrInvalidCredentials covers unknown e-mail addresses and wrong passwords alike.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrInvalidEmail indicates that an e-mail address is empty or malformed.
	ErrInvalidEmail = errors.New("users: invalid email")
	// ErrWeakPassword indicates that a password is too short.
	ErrWeakPassword = errors.New("users: password too short")
	// ErrInvalidDisplayName indicates that a display name is empty or too long.
	ErrInvalidDisplayName = errors.New("users: invalid display name")
	// ErrUnknownUser indicates that no profile exists for the user id.
	ErrUnknownUser = errors.New("users: unknown user")

	errMissingDatabase = errors.New("database handle is required")
)

// ServiceConfig describes the dependencies required for login and profile management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Logger     *zap.Logger
	BcryptCost int
}

// Service manages the allow list and user profiles.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cost   int
	names  sync.Map
}

// NewService constructs the users service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{db: cfg.Database, now: clock, logger: logger, cost: cost}, nil
}

// AddUser inserts or replaces an allowed user and seeds its profile.
func (s *Service) AddUser(ctx context.Context, email, password, displayName, role string) (auth.Identity, error) {
	email = normalizeEmail(email)
	if email == "" || !containsAt(email) {
		return auth.Identity{}, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	if utf8.RuneCountInString(password) < minPasswordLength {
		return auth.Identity{}, fmt.Errorf("%w: minimum %d characters", ErrWeakPassword, minPasswordLength)
	}
	if role == "" {
		role = RoleEditor
	}
	name := normalize(displayName)
	if name == "" {
		name = defaultDisplayName(email)
	}
	if err := validateDisplayName(name); err != nil {
		return auth.Identity{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return auth.Identity{}, serviceerr.New(opAddUser, "hash_failed", err)
	}

	var identity auth.Identity
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing AllowedUser
		err := tx.Where("email = ?", email).Take(&existing).Error
		userID := existing.UserID
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			generated, genErr := uuid.NewV7()
			if genErr != nil {
				return serviceerr.New(opAddUser, "id_generation_failed", genErr)
			}
			userID = generated.String()
		case err != nil:
			return serviceerr.New(opAddUser, "select_failed", err)
		}

		allowed := AllowedUser{Email: email, UserID: userID, PasswordHash: string(hash), Role: role}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"password_hash", "role", "updated_at"}),
		}).Create(&allowed).Error; err != nil {
			return serviceerr.New(opAddUser, "allowed_user_upsert_failed", err)
		}
		profile := Profile{UserID: userID, DisplayName: name, LastSeenAt: s.now().UTC()}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "updated_at"}),
		}).Create(&profile).Error; err != nil {
			return serviceerr.New(opAddUser, "profile_upsert_failed", err)
		}
		identity = auth.Identity{UserID: userID, Email: email, DisplayName: name, Role: role}
		return nil
	})
	if txErr != nil {
		serviceerr.Log(s.logger, messageUsersError, opAddUser, "transaction_failed", txErr, zap.String("email", email))
		return auth.Identity{}, txErr
	}
	s.names.Store(identity.UserID, identity.DisplayName)
	s.logger.Info("allowed user saved", zap.String("user_id", identity.UserID), zap.String("role", role))
	return identity, nil
}

// Authenticate checks the e-mail against the allow list and verifies the password.
func (s *Service) Authenticate(ctx context.Context, email, password string) (auth.Identity, error) {
	email = normalizeEmail(email)
	var allowed AllowedUser
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&allowed).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return auth.Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		serviceerr.Log(s.logger, messageUsersError, opAuthenticate, "select_failed", err)
		return auth.Identity{}, serviceerr.New(opAuthenticate, "select_failed", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(allowed.PasswordHash), []byte(password)); err != nil {
		return auth.Identity{}, ErrInvalidCredentials
	}

	name, err := s.ensureProfile(ctx, allowed)
	if err != nil {
		return auth.Identity{}, err
	}
	return auth.Identity{UserID: allowed.UserID, Email: allowed.Email, DisplayName: name, Role: allowed.Role}, nil
}

// DisplayName returns the profile display name for the user.
func (s *Service) DisplayName(ctx context.Context, userID string) (string, error) {
	if cached, ok := s.names.Load(userID); ok {
		if name, ok := cached.(string); ok {
			return name, nil
		}
	}
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUnknownUser
	}
	if err != nil {
		serviceerr.Log(s.logger, messageUsersError, opProfile, "select_failed", err, zap.String("user_id", userID))
		return "", serviceerr.New(opProfile, "select_failed", err)
	}
	s.names.Store(userID, profile.DisplayName)
	return profile.DisplayName, nil
}

// SetDisplayName updates the display name shown to collaborators.
func (s *Service) SetDisplayName(ctx context.Context, userID, displayName string) (string, error) {
	name := normalize(displayName)
	if err := validateDisplayName(name); err != nil {
		return "", err
	}
	result := s.db.WithContext(ctx).Model(&Profile{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"display_name": name, "last_seen_at": s.now().UTC()})
	if result.Error != nil {
		serviceerr.Log(s.logger, messageUsersError, opSetDisplayName, "update_failed", result.Error, zap.String("user_id", userID))
		return "", serviceerr.New(opSetDisplayName, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return "", ErrUnknownUser
	}
	s.names.Store(userID, name)
	return name, nil
}

// ensureProfile creates a missing profile from the e-mail local part and touches last_seen_at.
func (s *Service) ensureProfile(ctx context.Context, allowed AllowedUser) (string, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", allowed.UserID).Take(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		profile = Profile{UserID: allowed.UserID, DisplayName: defaultDisplayName(allowed.Email), LastSeenAt: s.now().UTC()}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			serviceerr.Log(s.logger, messageUsersError, opEnsureProfile, "insert_failed", err)
			return "", serviceerr.New(opEnsureProfile, "insert_failed", err)
		}
	case err != nil:
		serviceerr.Log(s.logger, messageUsersError, opEnsureProfile, "select_failed", err)
		return "", serviceerr.New(opEnsureProfile, "select_failed", err)
	default:
		_ = s.db.WithContext(ctx).Model(&Profile{}).
			Where("user_id = ?", allowed.UserID).
			Update("last_seen_at", s.now().UTC()).Error
	}
	s.names.Store(allowed.UserID, profile.DisplayName)
	return profile.DisplayName, nil
}

func validateDisplayName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDisplayName)
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidDisplayName, maxDisplayNameLength)
	}
	return nil
}

func containsAt(email string) bool {
	local, domain, found := strings.Cut(email, "@")
	return found && local != "" && domain != ""
}
