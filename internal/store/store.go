// Package store persists the credential list as an encrypted blob on disk.
// Credential IDs are deterministic hashes of the refresh secret salted with a
// per-instance secret salt, so an ID never reveals the secret and stays
// stable across restarts.
package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

// Credential is one upstream-authorized identity.
type Credential struct {
	ID           string    `json:"id"`
	RefreshToken string    `json:"refresh_token"`
	AccessToken  string    `json:"access_token,omitempty"`
	AccessExpiry time.Time `json:"access_expiry,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`
	Email        string    `json:"email,omitempty"`
	HasQuota     bool      `json:"has_quota"`
	Enabled      bool      `json:"enabled"`

	// SessionID is re-minted on every reload and never persisted; it lets
	// the upstream associate a run of calls with one client session.
	SessionID string `json:"-"`
}

// Clone returns a copy safe to hand across goroutines.
func (c *Credential) Clone() *Credential {
	out := *c
	return &out
}

// Expired reports whether the access token is missing or expires within the
// safety buffer.
func (c *Credential) Expired(buffer time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.AccessExpiry.IsZero() {
		return true
	}
	return time.Until(c.AccessExpiry) <= buffer
}

const (
	accountsFile = "accounts"
	saltFile     = "accounts.salt"
	saltSize     = 32
	pbkdf2Iters  = 4096
)

// Store serves reads and writes of the credential list behind an in-memory
// cached view. Writes are atomic against concurrent reads.
type Store struct {
	mu     sync.RWMutex
	dir    string
	salt   []byte
	key    []byte
	cached []*Credential
	loaded bool
	gen    atomic.Uint64
}

// Open prepares the store directory and loads (or creates) the salt. A
// present-but-undecryptable accounts blob is a fatal condition surfaced to
// the operator.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{dir: dir}
	if err := s.loadOrCreateSalt(); err != nil {
		return nil, err
	}
	s.key = pbkdf2.Key(s.salt, []byte("codeassist-gateway/accounts"), pbkdf2Iters, 32, sha256.New)
	if _, err := s.ReadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadOrCreateSalt() error {
	path := filepath.Join(s.dir, saltFile)
	data, err := os.ReadFile(path)
	if err == nil {
		salt, derr := hex.DecodeString(string(data))
		if derr != nil || len(salt) != saltSize {
			return fmt.Errorf("corrupt salt file %s", path)
		}
		s.salt = salt
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("read salt: %w", err)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	if err := atomicWrite(path, []byte(hex.EncodeToString(salt)), 0o600); err != nil {
		return fmt.Errorf("persist salt: %w", err)
	}
	s.salt = salt
	log.Info("store: generated new instance salt; credential IDs derive from it")
	return nil
}

// Salt returns the per-instance secret salt.
func (s *Store) Salt() []byte {
	out := make([]byte, len(s.salt))
	copy(out, s.salt)
	return out
}

// ComputeID derives the stable opaque ID for a refresh secret.
func (s *Store) ComputeID(refreshSecret string) string {
	h := sha256.New()
	h.Write(s.salt)
	h.Write([]byte(refreshSecret))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ReadAll returns the cached credential list, loading from disk on first use.
// Callers receive clones and may mutate them freely.
func (s *Store) ReadAll() ([]*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		creds, err := s.readDiskLocked()
		if err != nil {
			return nil, err
		}
		s.cached = creds
		s.loaded = true
	}
	return cloneList(s.cached), nil
}

// Reload discards the cached view, re-reads disk and re-mints session IDs.
func (s *Store) Reload() ([]*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, err := s.readDiskLocked()
	if err != nil {
		return nil, err
	}
	s.cached = creds
	s.loaded = true
	return cloneList(s.cached), nil
}

// WriteAll replaces the persisted list. Duplicate refresh secrets are
// rejected; IDs and session IDs are filled in as needed.
func (s *Store) WriteAll(creds []*Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(creds)
}

// MergeActive interleaves the in-memory working set with the on-disk
// canonical list: entries present in active replace their canonical
// counterparts, canonical entries unknown to active are kept (another actor
// may have imported them), and updated, when non-nil, wins over both. The
// operation is idempotent.
func (s *Store) MergeActive(active []*Credential, updated *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	disk, err := s.readDiskLocked()
	if err != nil {
		return err
	}
	merged := make([]*Credential, 0, len(disk)+1)
	seen := make(map[string]int)

	for _, c := range disk {
		merged = append(merged, c.Clone())
		seen[c.ID] = len(merged) - 1
	}
	for _, c := range active {
		if idx, ok := seen[c.ID]; ok {
			session := merged[idx].SessionID
			merged[idx] = c.Clone()
			if merged[idx].SessionID == "" {
				merged[idx].SessionID = session
			}
		} else {
			merged = append(merged, c.Clone())
			seen[c.ID] = len(merged) - 1
		}
	}
	if updated != nil {
		if idx, ok := seen[updated.ID]; ok {
			merged[idx] = updated.Clone()
		} else {
			merged = append(merged, updated.Clone())
		}
	}
	return s.writeLocked(merged)
}

func (s *Store) writeLocked(creds []*Credential) error {
	bySecret := make(map[string]struct{}, len(creds))
	for _, c := range creds {
		if c.RefreshToken == "" {
			return fmt.Errorf("credential with empty refresh secret")
		}
		if _, dup := bySecret[c.RefreshToken]; dup {
			return fmt.Errorf("duplicate refresh secret (id %s)", c.ID)
		}
		bySecret[c.RefreshToken] = struct{}{}
		if c.ID == "" {
			c.ID = s.ComputeID(c.RefreshToken)
		}
		if c.SessionID == "" {
			c.SessionID = uuid.NewString()
		}
	}

	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	sealed, err := s.seal(plain)
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(s.dir, accountsFile), sealed, 0o600); err != nil {
		return fmt.Errorf("persist accounts: %w", err)
	}
	s.cached = cloneList(creds)
	s.loaded = true
	s.gen.Add(1)
	return nil
}

// Generation counts completed self-writes; the watcher compares it against
// its last observation to tell the store's own persists from external edits.
func (s *Store) Generation() uint64 { return s.gen.Load() }

func (s *Store) readDiskLocked() ([]*Credential, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, accountsFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	plain, err := s.unseal(data)
	if err != nil {
		return nil, fmt.Errorf("decrypt accounts (wrong or regenerated salt?): %w", err)
	}
	var creds []*Credential
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	for _, c := range creds {
		if c.SessionID == "" {
			c.SessionID = uuid.NewString()
		}
	}
	return creds, nil
}

func (s *Store) seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *Store) unseal(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("blob too short")
	}
	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

// AccountsPath returns the on-disk path of the encrypted blob, used by the
// reload watcher.
func (s *Store) AccountsPath() string {
	return filepath.Join(s.dir, accountsFile)
}

func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func cloneList(creds []*Credential) []*Credential {
	out := make([]*Credential, len(creds))
	for i, c := range creds {
		out[i] = c.Clone()
	}
	return out
}
