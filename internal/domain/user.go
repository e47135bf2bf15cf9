// internal/domain/user.go
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserRole is a capability flag persisted in the user_roles table.
type UserRole string

const (
	RoleTrusted    UserRole = "trusted"
	RoleFlagged    UserRole = "flagged"
	RoleModerator  UserRole = "moderator"
	RoleCustomizer UserRole = "customizer"
	RoleVPN        UserRole = "vpn"
	RoleSpecial    UserRole = "special"
	RoleService    UserRole = "service"
	RoleEducation  UserRole = "education"
)

const (
	// AnonOAuthID marks the shared anonymous account.
	AnonOAuthID = "anon"
	// AnonAPIKey is the well-known key of the anonymous account.
	AnonAPIKey = "0000000000"

	UserSuspicionThreshold = 5
	// TrustAccountAge is how old an account must be before evaluation can promote it.
	TrustAccountAge = 7 * 24 * time.Hour
)

// User is an account that spends kudos on requests and earns them through its workers.
type User struct {
	ID                       uint64     `gorm:"primaryKey;autoIncrement"`
	Username                 string     `gorm:"column:username;size:50;not null"`
	OAuthID                  string     `gorm:"column:oauth_id;size:100;uniqueIndex;not null"`
	APIKeyHash               string     `gorm:"column:api_key_hash;size:64;uniqueIndex;not null"`
	Kudos                    float64    `gorm:"column:kudos;not null"`
	EvaluatingKudos          float64    `gorm:"column:evaluating_kudos;not null"`
	UsageMultiplier          float64    `gorm:"column:usage_multiplier;not null;default:1"`
	Concurrency              int        `gorm:"column:concurrency;not null;default:30"`
	WorkerInvited            int        `gorm:"column:worker_invited;not null"`
	MonthlyKudos             int        `gorm:"column:monthly_kudos;not null"`
	MonthlyKudosLastReceived *time.Time `gorm:"column:monthly_kudos_last_received"`
	UsageRequests            int        `gorm:"column:usage_requests;not null"`
	UsageThings              float64    `gorm:"column:usage_things;not null"`
	ContributedThings        float64    `gorm:"column:contributed_things;not null"`
	ContributedFulfillments  int        `gorm:"column:contributed_fulfillments;not null"`
	CreatedAt                time.Time  `gorm:"column:created_at;not null"`
	LastActive               time.Time  `gorm:"column:last_active;not null"`

	Roles     []UserRole `gorm:"-"`
	Suspicion int        `gorm:"-"`
}

// UserRoleRow is one role assignment.
type UserRoleRow struct {
	UserID uint64   `gorm:"column:user_id;primaryKey"`
	Role   UserRole `gorm:"column:role;primaryKey;size:20"`
}

func (UserRoleRow) TableName() string { return "user_roles" }

// HashAPIKey is the only form in which API keys are stored or looked up.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

func (u *User) HasRole(role UserRole) bool {
	return slices.Contains(u.Roles, role)
}

func (u *User) IsAnon() bool { return u.OAuthID == AnonOAuthID }

// IsPseudonymous reports whether the account was created without an identity provider.
func (u *User) IsPseudonymous() bool {
	_, err := uuid.Parse(u.OAuthID)
	return err == nil
}

func (u *User) Trusted() bool   { return u.HasRole(RoleTrusted) }
func (u *User) Flagged() bool   { return u.HasRole(RoleFlagged) }
func (u *User) Moderator() bool { return u.HasRole(RoleModerator) }
func (u *User) VPN() bool       { return u.HasRole(RoleVPN) }
func (u *User) Special() bool   { return u.HasRole(RoleSpecial) }

// MinKudos is the floor below which the balance is never allowed to fall.
func (u *User) MinKudos() float64 {
	switch {
	case u.IsAnon():
		return -50
	case u.IsPseudonymous():
		return 14
	default:
		return 25
	}
}

// SpendableKudos excludes the minimum balance the account must keep.
func (u *User) SpendableKudos() float64 {
	if u.Kudos <= 0 {
		return u.Kudos
	}
	return u.Kudos - u.MinKudos()
}

func (u *User) IsSuspicious() bool {
	if u.Trusted() {
		return false
	}
	return u.Suspicion >= UserSuspicionThreshold
}

// Alias is the public "name#id" form used for priority lists and transfers.
func (u *User) Alias() string {
	return fmt.Sprintf("%s#%d", u.Username, u.ID)
}

// ParseAlias extracts the numeric id from a "name#id" alias.
func ParseAlias(alias string) (uint64, error) {
	idx := strings.LastIndex(alias, "#")
	if idx < 0 || idx == len(alias)-1 {
		return 0, fmt.Errorf("alias %q is not in the form name#id", alias)
	}
	id, err := strconv.ParseUint(alias[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("alias %q has a non-numeric id: %w", alias, err)
	}
	return id, nil
}
