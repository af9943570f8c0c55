package database

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// RosterUser is one provisioned account in a roster file.
type RosterUser struct {
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Name        string `yaml:"name"`
	Email       string `yaml:"email"`
	BackupEmail string `yaml:"backup_email"`
	Admin       bool   `yaml:"admin"`
}

// Roster is the fixed user list loaded by `users seed`.
type Roster struct {
	Users []RosterUser `yaml:"users"`
}

// LoadRoster reads and validates a YAML roster file.
func LoadRoster(path string) (*Roster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	return ParseRoster(raw)
}

// ParseRoster decodes a YAML roster and checks required fields.
func ParseRoster(raw []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to parse roster: %w", err)
	}
	seen := make(map[string]bool, len(r.Users))
	for i, u := range r.Users {
		switch {
		case strings.TrimSpace(u.Username) == "":
			return nil, fmt.Errorf("roster entry %d: username is required", i)
		case u.Password == "":
			return nil, fmt.Errorf("roster entry %q: password is required", u.Username)
		case strings.TrimSpace(u.Email) == "":
			return nil, fmt.Errorf("roster entry %q: email is required", u.Username)
		case seen[u.Username]:
			return nil, fmt.Errorf("roster entry %q: duplicate username", u.Username)
		}
		seen[u.Username] = true
	}
	return &r, nil
}

// SeedUsers inserts every roster user that does not already exist and
// returns how many were created. Existing users are left untouched.
func SeedUsers(ctx context.Context, store Store, roster *Roster, cost int) (int, error) {
	created := 0
	err := store.WithTx(ctx, func(tx Tx) error {
		for _, ru := range roster.Users {
			if _, err := tx.GetUserByUsername(ctx, ru.Username); err == nil {
				log.WithField("username", ru.Username).Info("User already exists")
				continue
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(ru.Password), cost)
			if err != nil {
				return fmt.Errorf("failed to hash password for %q: %w", ru.Username, err)
			}
			u := &User{
				Username:     ru.Username,
				PasswordHash: string(hash),
				Name:         ru.Name,
				Email:        strings.TrimSpace(ru.Email),
				BackupEmail:  strings.TrimSpace(ru.BackupEmail),
				IsAdmin:      ru.Admin,
				CreatedAt:    time.Now(),
			}
			ok, err := tx.InsertUser(ctx, u)
			if err != nil {
				return err
			}
			if ok {
				created++
				log.WithFields(log.Fields{"username": u.Username, "user_id": u.ID}).Info("Created user")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}
