// Package secrets resolves named credential profiles at run time. Values
// come from the environment only and are never written to configuration,
// logs or workflow history.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"dev/bravebird/browser-flow-go/pkg/models"
)

// ErrUnknownProfile is returned when a profile has no credential material.
var ErrUnknownProfile = errors.New("unknown credential profile")

// Source resolves a profile name to a credential.
type Source interface {
	Lookup(ctx context.Context, profile string) (models.Credential, error)
}

var profilePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidateProfile checks a profile name can be mapped to environment keys.
func ValidateProfile(profile string) error {
	if !profilePattern.MatchString(profile) {
		return fmt.Errorf("profile %q must be letters, digits or underscores", profile)
	}
	return nil
}

// EnvSource reads FLOW_CREDENTIALS_<PROFILE>_IDENTITY and
// FLOW_CREDENTIALS_<PROFILE>_SECRET through viper. It is safe for
// concurrent use; viper itself is not.
type EnvSource struct {
	mu sync.Mutex
	v  *viper.Viper
}

// NewEnvSource creates a source using its own viper instance so credential
// keys never mix with the main configuration.
func NewEnvSource() *EnvSource {
	v := viper.New()
	v.SetEnvPrefix("FLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return &EnvSource{v: v}
}

func keys(profile string) (identity, secret string) {
	base := "credentials." + strings.ToLower(profile)
	return base + ".identity", base + ".secret"
}

// read binds and reads both halves of profile under s.mu
func (s *EnvSource) read(profile string) (identity, secret string, err error) {
	if err := ValidateProfile(profile); err != nil {
		return "", "", err
	}
	identityKey, secretKey := keys(profile)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.v.BindEnv(identityKey); err != nil {
		return "", "", err
	}
	if err := s.v.BindEnv(secretKey); err != nil {
		return "", "", err
	}
	return s.v.GetString(identityKey), s.v.GetString(secretKey), nil
}

// Has reports whether both halves of profile are set.
func (s *EnvSource) Has(profile string) bool {
	identity, secret, err := s.read(profile)
	return err == nil && identity != "" && secret != ""
}

// Lookup implements Source.
func (s *EnvSource) Lookup(ctx context.Context, profile string) (models.Credential, error) {
	if err := ctx.Err(); err != nil {
		return models.Credential{}, err
	}
	identity, secret, err := s.read(profile)
	if err != nil {
		return models.Credential{}, err
	}
	cred := models.NewCredential(identity, secret)
	if cred.Identity.IsEmpty() || cred.Secret.IsEmpty() {
		return models.Credential{}, fmt.Errorf("%w: %s", ErrUnknownProfile, profile)
	}
	return cred, nil
}

// Static is an in-memory Source, for tests and one-off runs.
type Static map[string]models.Credential

// Lookup implements Source.
func (s Static) Lookup(ctx context.Context, profile string) (models.Credential, error) {
	if err := ctx.Err(); err != nil {
		return models.Credential{}, err
	}
	cred, ok := s[profile]
	if !ok {
		return models.Credential{}, fmt.Errorf("%w: %s", ErrUnknownProfile, profile)
	}
	return cred, nil
}
