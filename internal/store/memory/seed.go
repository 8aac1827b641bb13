package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"

	"listing-chat/internal/models"
)

// Seed is the JSON document LoadSeed reads: the users, listings and chat
// entitlements a local run starts with.
type Seed struct {
	Users []struct {
		ID          string `json:"id"`
		Username    string `json:"username"`
		DisplayName string `json:"displayName"`
		Password    string `json:"password"`
	} `json:"users"`
	Properties   []models.Property `json:"properties"`
	Entitlements []struct {
		UserID      string    `json:"userId"`
		ActiveUntil time.Time `json:"activeUntil"`
	} `json:"entitlements"`
}

// LoadSeedFile loads a seed document from path.
func (s *Store) LoadSeedFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return s.LoadSeed(f)
}

// LoadSeed adds the seed's users, properties and entitlements. Passwords are
// stored as bcrypt hashes so seeded users can log in.
func (s *Store) LoadSeed(r io.Reader) error {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}

	for _, u := range seed.Users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password for %s: %w", u.Username, err)
		}
		_, err = s.CreateUser(context.Background(), models.User{
			ID:           u.ID,
			Username:     u.Username,
			DisplayName:  u.DisplayName,
			PasswordHash: string(hash),
		})
		if err != nil {
			return fmt.Errorf("seed user %s: %w", u.Username, err)
		}
	}
	for _, p := range seed.Properties {
		if p.ID == "" || p.OwnerID == "" {
			return fmt.Errorf("seed property %q: id and ownerId are required", p.ID)
		}
		s.PutProperty(p)
	}
	for _, e := range seed.Entitlements {
		s.GrantEntitlement(e.UserID, e.ActiveUntil)
	}
	return nil
}
