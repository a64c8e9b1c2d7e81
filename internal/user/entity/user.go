package entity

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// LoginMethod records which path most recently created or authenticated an account.
type LoginMethod string

const (
	LoginMethodEmail    LoginMethod = "email"
	LoginMethodExternal LoginMethod = "external"
	LoginMethodOAuth    LoginMethod = "oauth"
)

// Valid reports whether m is one of the known login methods.
func (m LoginMethod) Valid() bool {
	switch m {
	case LoginMethodEmail, LoginMethodExternal, LoginMethodOAuth:
		return true
	}
	return false
}

const (
	MaxFullNameLength = 100
	MinPasswordLength = 8
	// bcrypt ignores everything past 72 bytes
	MaxPasswordBytes = 72
)

var emailPattern = regexp.MustCompile(`^\w+([.+-]?\w+)*@\w+([.-]?\w+)*(\.\w{2,})+$`)

// User is an account row. PasswordHash and ExternalIdentityID are empty when absent;
// at least one of them is always set on a persisted record.
type User struct {
	ID                        string
	FullName                  string
	Email                     string
	PasswordHash              string
	ExternalIdentityID        string
	ExternalProviderSubjectID string
	LoginMethod               LoginMethod
	ProfilePicture            string
	IsActive                  bool
	EmailVerified             bool
	TermsAccepted             bool
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// HasPassword reports whether the account can use password sign-in.
func (u *User) HasPassword() bool { return u.PasswordHash != "" }

// IsLinked reports whether an external identity is attached.
func (u *User) IsLinked() bool { return u.ExternalIdentityID != "" }

// Reachable reports whether some authentication path leads to the account.
func (u *User) Reachable() bool { return u.HasPassword() || u.IsLinked() }

// ExternalLink carries the attributes written when an external identity is attached.
type ExternalLink struct {
	ExternalIdentityID        string
	ExternalProviderSubjectID string
	ProfilePicture            string
}

// View is the client-facing projection of a User. It never carries the password hash.
type View struct {
	ID             string      `json:"id"`
	FullName       string      `json:"fullName"`
	Email          string      `json:"email"`
	IsActive       bool        `json:"isActive"`
	EmailVerified  bool        `json:"emailVerified"`
	LoginMethod    LoginMethod `json:"loginMethod"`
	ProfilePicture string      `json:"profilePicture,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// View returns the public projection.
func (u *User) View() *View {
	return &View{
		ID:             u.ID,
		FullName:       u.FullName,
		Email:          u.Email,
		IsActive:       u.IsActive,
		EmailVerified:  u.EmailVerified,
		LoginMethod:    u.LoginMethod,
		ProfilePicture: u.ProfilePicture,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
}

// NormalizeEmail returns the canonical (trimmed, lowercase) form of an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail checks the shape of an already normalized address.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// ValidateFields checks the client-supplied attributes and returns one message
// per violation.
func (u *User) ValidateFields() []string {
	var problems []string
	name := strings.TrimSpace(u.FullName)
	switch {
	case name == "":
		problems = append(problems, "Full name is required")
	case utf8.RuneCountInString(name) > MaxFullNameLength:
		problems = append(problems, "Full name cannot exceed 100 characters")
	}
	if u.Email == "" {
		problems = append(problems, "Email is required")
	} else if !ValidEmail(u.Email) {
		problems = append(problems, "Please enter a valid email")
	}
	if !u.TermsAccepted {
		problems = append(problems, "Terms of Service and Privacy Policy must be accepted")
	}
	if !u.LoginMethod.Valid() {
		problems = append(problems, "Unknown login method")
	}
	return problems
}

// Validate checks a record about to be written: the field constraints plus
// reachability through at least one authentication path.
func (u *User) Validate() []string {
	problems := u.ValidateFields()
	if !u.Reachable() {
		problems = append(problems, "Password is required")
	}
	return problems
}
