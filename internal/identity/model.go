package identity

import (
	"strings"
	"time"
)

// Provider enumerates the credential mechanisms an identity can sign in with.
type Provider string

const (
	ProviderPassword Provider = "password"
	ProviderGoogle   Provider = "google"
	ProviderGitHub   Provider = "github"
)

// KnownProvider reports whether the value names a supported provider.
func KnownProvider(value Provider) bool {
	switch value {
	case ProviderPassword, ProviderGoogle, ProviderGitHub:
		return true
	default:
		return false
	}
}

// Role enumerates the authorization roles an identity can hold.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is the durable record representing one person.
type Identity struct {
	ID          string    `gorm:"column:id;primaryKey;size:36;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Handle      string    `gorm:"column:handle;size:190;not null;uniqueIndex"`
	Email       string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	Role        Role      `gorm:"column:role;size:16;not null;default:user"`
	Active      bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing identities.
func (Identity) TableName() string {
	return "identities"
}

// AuthMethod binds one credential mechanism to an identity. At most one row
// exists per (identity, provider) pair.
type AuthMethod struct {
	ID                 int64      `gorm:"column:id;primaryKey;autoIncrement"`
	IdentityID         string     `gorm:"column:identity_id;size:36;not null;uniqueIndex:idx_auth_identity_provider"`
	Provider           Provider   `gorm:"column:provider;size:32;not null;uniqueIndex:idx_auth_identity_provider"`
	ProviderSubjectID  *string    `gorm:"column:provider_subject_id;size:255"`
	PasswordHash       *string    `gorm:"column:password_hash;size:255"`
	MFAEnabled         bool       `gorm:"column:mfa_enabled;not null;default:false"`
	FailedAttemptCount int        `gorm:"column:failed_attempt_count;not null;default:0"`
	LockUntil          *time.Time `gorm:"column:lock_until"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing auth methods.
func (AuthMethod) TableName() string {
	return "auth_methods"
}

// Activity tracks the most recent login per identity. Observability only, it
// never drives authorization decisions.
type Activity struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement"`
	IdentityID      string     `gorm:"column:identity_id;size:36;not null;uniqueIndex"`
	LastLoginAt     *time.Time `gorm:"column:last_login_at"`
	LastLoginIP     string     `gorm:"column:last_login_ip;size:100"`
	LastLoginDevice string     `gorm:"column:last_login_device;size:255"`
}

// TableName exposes the table backing login activity.
func (Activity) TableName() string {
	return "identity_activity"
}

// ProfileUpdate lists the only fields mutable through the profile path. A nil
// field leaves the stored value untouched.
type ProfileUpdate struct {
	DisplayName *string
	AvatarURL   *string
}

// ActivityUpdate carries the observable facts of a successful login.
type ActivityUpdate struct {
	At     time.Time
	IP     string
	Device string
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(normalize(value))
}
