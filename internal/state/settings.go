package state

import (
	"errors"

	"github.com/petervdpas/sanctuary/internal/wire"
)

var ErrEmptyPassword = errors.New("state: vault password is empty")

func (s *Shared) VaultPassword() string { return s.vault }

// SetVaultPassword changes the shared vault password on both sides.
func (s *Shared) SetVaultPassword(p string) error {
	if p == "" {
		return ErrEmptyPassword
	}
	s.setVault(p)
	return s.publish(wire.SettingsSync{VaultPassword: p})
}

func (s *Shared) HandleSettingsSync(ss wire.SettingsSync) {
	s.setVault(ss.VaultPassword)
}

func (s *Shared) setVault(p string) {
	s.vault = p
	if err := s.store.SetMeta(keyVault, p); err != nil {
		log.Errorf("persist vault password: %v", err)
	}
	s.emit(EventSettings)
}
