package identity

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"duet/crypto"
	"duet/models"
)

// Gate maps a shared secret to one of the two fixed identities.
type Gate struct {
	hashes map[models.Identity]string
	log    zerolog.Logger
}

// NewGate builds a gate from bcrypt hashes keyed by identity.
func NewGate(hashes map[models.Identity]string, logger *zerolog.Logger) (*Gate, error) {
	if len(hashes) == 0 {
		return nil, errors.New("no identity secrets configured")
	}
	copied := make(map[models.Identity]string, len(hashes))
	for id, hash := range hashes {
		if !id.Valid() {
			return nil, fmt.Errorf("unknown identity %q in secrets", id)
		}
		if hash == "" {
			return nil, fmt.Errorf("empty secret hash for %s", id)
		}
		copied[id] = hash
	}

	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &Gate{
		hashes: copied,
		log:    log.With().Str("component", "identity").Logger(),
	}, nil
}

// Authenticate returns the identity whose secret matches.
func (g *Gate) Authenticate(secret string) (models.Identity, error) {
	ids := make([]models.Identity, 0, len(g.hashes))
	for id := range g.hashes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		err := crypto.VerifySecret(g.hashes[id], secret)
		if err == nil {
			g.log.Debug().Str("identity", id.String()).Str("secret", crypto.Fingerprint(g.hashes[id])).Msg("Identity authenticated")
			return id, nil
		}
		if !errors.Is(err, crypto.ErrSecretMismatch) {
			g.log.Warn().Err(err).Str("identity", id.String()).Msg("Stored secret hash is unusable")
		}
	}
	return "", fmt.Errorf("%w: secret does not match any identity", models.ErrPermissionDenied)
}

// Login authenticates secret and checks it belongs to want.
func (g *Gate) Login(want models.Identity, secret string) error {
	got, err := g.Authenticate(secret)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: secret belongs to %s, not %s", models.ErrPermissionDenied, got, want)
	}
	return nil
}
