// Package store persists the ACME account and issued certificates on an
// afero filesystem.
//
// Layout under the store directory:
//
//	account.json
//	certs/<domain>/chain.pem
//	certs/<domain>/key.pem
//
// Every file is written to a temporary file in the same directory and renamed
// into place, so readers never see a partially written file.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cpu/acmealpn/acme/resources"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	accountFile = "account.json"
	certsDir    = "certs"
	chainFile   = "chain.pem"
	keyFile     = "key.pem"
)

var (
	// ErrNotFound is returned when the requested account or certificate has not
	// been saved.
	ErrNotFound = errors.New("not found")

	// ErrInvalidDomain is returned for names that can not be used as a
	// directory name.
	ErrInvalidDomain = errors.New("invalid domain name")
)

// Store reads and writes account and certificate files below a directory.
type Store struct {
	fs  afero.Fs
	dir string
}

// New returns a Store rooted at dir on fs. A nil fs uses the OS filesystem.
func New(fs afero.Fs, dir string) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{fs: fs, dir: dir}
}

// SaveAccount writes the account URL, contacts and key.
func (s *Store) SaveAccount(acct *resources.Account) error {
	if acct == nil {
		return errors.New("nil account")
	}
	data, err := json.MarshalIndent(acct, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding account")
	}
	return s.write(filepath.Join(s.dir, accountFile), data)
}

// LoadAccount reads the account saved with SaveAccount.
func (s *Store) LoadAccount() (*resources.Account, error) {
	data, err := s.read(filepath.Join(s.dir, accountFile))
	if err != nil {
		return nil, err
	}
	var acct resources.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, errors.Wrap(err, "decoding account")
	}
	return &acct, nil
}

// SaveCertificate writes the PEM chain and PEM key of cert under its domain.
// The key is written before the chain so a chain on disk always has a
// matching key.
func (s *Store) SaveCertificate(cert *resources.ManagedCertificate) error {
	if cert == nil {
		return errors.New("nil certificate")
	}
	dir, err := s.certDir(cert.Domain)
	if err != nil {
		return err
	}
	keyPEM, err := cert.KeyPEM()
	if err != nil {
		return errors.Wrapf(err, "encoding key for %q", cert.Domain)
	}
	if err := s.write(filepath.Join(dir, keyFile), keyPEM); err != nil {
		return err
	}
	return s.write(filepath.Join(dir, chainFile), cert.ChainPEM())
}

// LoadCertificate reads the certificate saved for domain.
func (s *Store) LoadCertificate(domain string) (*resources.ManagedCertificate, error) {
	dir, err := s.certDir(domain)
	if err != nil {
		return nil, err
	}
	chainPEM, err := s.read(filepath.Join(dir, chainFile))
	if err != nil {
		return nil, err
	}
	keyPEM, err := s.read(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}
	cert, err := resources.ParseManagedCertificate(domain, chainPEM, keyPEM)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing stored certificate for %q", domain)
	}
	return cert, nil
}

// DeleteCertificate removes the files of domain. Deleting an absent
// certificate is not an error.
func (s *Store) DeleteCertificate(domain string) error {
	dir, err := s.certDir(domain)
	if err != nil {
		return err
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "deleting certificate for %q", domain)
	}
	return nil
}

// Domains lists the domains that have a stored certificate, sorted.
func (s *Store) Domains() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, filepath.Join(s.dir, certsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "listing certificates")
	}
	var domains []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ok, err := afero.Exists(s.fs, filepath.Join(s.dir, certsDir, e.Name(), chainFile))
		if err != nil {
			return nil, err
		}
		if ok {
			domains = append(domains, e.Name())
		}
	}
	sort.Strings(domains)
	return domains, nil
}

func (s *Store) certDir(domain string) (string, error) {
	if domain == "" || domain == "." || domain == ".." ||
		strings.ContainsAny(domain, `/\`) || strings.ContainsRune(domain, 0) {
		return "", errors.Wrapf(ErrInvalidDomain, "%q", domain)
	}
	return filepath.Join(s.dir, certsDir, domain), nil
}

func (s *Store) read(path string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, path)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return data, nil
}

func (s *Store) write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}

	tmp, err := afero.TempFile(s.fs, dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := s.fs.Chmod(tmpName, 0o600); err != nil {
		_ = s.fs.Remove(tmpName)
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		_ = s.fs.Remove(tmpName)
		return errors.Wrapf(err, "saving %s", path)
	}
	return nil
}
