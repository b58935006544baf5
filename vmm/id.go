package vmm

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/aledbf/firebox/errdefs"
	"github.com/aledbf/firebox/store"
)

const (
	idLength   = 8
	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

	// idAttempts bounds the retry loop; with 36^8 possible ids even a
	// large ledger collides rarely.
	idAttempts = 32
)

// idRecord marks an identifier as used. Records are kept so an id is
// never handed out twice, even after its VM is deleted.
type idRecord struct {
	IssuedAt time.Time `json:"issued_at"`
}

type idLedger struct {
	store store.Store[idRecord]
}

func openIDLedger(dbPath string) (*idLedger, error) {
	s, err := store.Open[idRecord](dbPath, "ids")
	if err != nil {
		return nil, fmt.Errorf("failed to open id ledger: %w: %w", err, errdefs.ErrVMM)
	}
	return &idLedger{store: s}, nil
}

func (l *idLedger) close() error {
	return l.store.Close()
}

// next issues a fresh identifier that has never been used on this host.
func (l *idLedger) next(ctx context.Context) (string, error) {
	for i := 0; i < idAttempts; i++ {
		id, err := randomID()
		if err != nil {
			return "", err
		}
		if _, err := l.store.Get(ctx, id); err == nil {
			continue
		}
		if err := l.store.Set(ctx, id, &idRecord{IssuedAt: time.Now().UTC()}); err != nil {
			return "", fmt.Errorf("failed to record id: %w: %w", err, errdefs.ErrVMM)
		}
		return id, nil
	}
	return "", fmt.Errorf("failed to generate a unique id: %w", errdefs.ErrVMM)
}

func randomID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate id: %w: %w", err, errdefs.ErrVMM)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf), nil
}
