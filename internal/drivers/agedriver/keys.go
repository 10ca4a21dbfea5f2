package agedriver

import (
	"errors"
	"fmt"
	"os"

	"filippo.io/age"

	"archfs/internal/vpath"
)

// ErrNoKeys is returned when no key applies to an archive.
var ErrNoKeys = errors.New("no age keys configured")

// Keys supplies the keys of encrypted archives.
type Keys interface {
	// Recipients encrypt the archive at mp.
	Recipients(mp vpath.MountPoint) ([]age.Recipient, error)
	// Identities decrypt the archive at mp.
	Identities(mp vpath.MountPoint) ([]age.Identity, error)
}

// StaticKeys uses the same keys for every archive.
type StaticKeys struct {
	Recips []age.Recipient
	Ids    []age.Identity
}

func (k StaticKeys) Recipients(vpath.MountPoint) ([]age.Recipient, error) {
	if len(k.Recips) == 0 {
		return nil, ErrNoKeys
	}
	return k.Recips, nil
}

func (k StaticKeys) Identities(vpath.MountPoint) ([]age.Identity, error) {
	if len(k.Ids) == 0 {
		return nil, ErrNoKeys
	}
	return k.Ids, nil
}

// Passphrase returns keys deriving the file key from a passphrase with
// scrypt. workFactor is the base-two logarithm of the scrypt cost; zero
// keeps the age default.
func Passphrase(passphrase string, workFactor int) (Keys, error) {
	r, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, err
	}
	id, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, err
	}
	if workFactor > 0 {
		r.SetWorkFactor(workFactor)
	}
	return StaticKeys{Recips: []age.Recipient{r}, Ids: []age.Identity{id}}, nil
}

// LoadIdentityFile reads an age identity file. Archives are encrypted to
// every X25519 identity in it.
func LoadIdentityFile(path string) (Keys, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var recips []age.Recipient
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			recips = append(recips, x.Recipient())
		}
	}
	return StaticKeys{Recips: recips, Ids: ids}, nil
}
