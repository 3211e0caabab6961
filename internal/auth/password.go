// Package auth provides operator password hashing and the OAuth 2.0 device
// authorization flow used to log bot accounts in.
package auth

import "golang.org/x/crypto/bcrypt"

// HashPassword creates a bcrypt hash of the given password.
//
// Precondition: password must be non-empty.
// Postcondition: Returns a bcrypt hash string.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
//
// Postcondition: Returns true if password matches the hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Authorizer gates operator access with an optional bcrypt password hash.
// The zero value (empty hash) admits everyone.
type Authorizer struct {
	hash string
}

// NewAuthorizer returns an Authorizer for the given bcrypt hash.
func NewAuthorizer(hash string) Authorizer {
	return Authorizer{hash: hash}
}

// Enabled reports whether a password is required.
func (a Authorizer) Enabled() bool {
	return a.hash != ""
}

// Allow reports whether password grants access.
func (a Authorizer) Allow(password string) bool {
	if !a.Enabled() {
		return true
	}
	return CheckPassword(password, a.hash)
}
