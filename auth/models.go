package auth

import "time"

type Role string

const (
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Phone        *string
	ProviderID   *string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
// ProviderID attaches a provider account to its provider profile.
type RegisterRequest struct {
	Email      string  `json:"email"`
	Password   string  `json:"password"`
	FullName   string  `json:"full_name"`
	Role       Role    `json:"role"`
	ProviderID *string `json:"provider_id,omitempty"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
