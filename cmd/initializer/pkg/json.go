package pkg

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/stratafi/strata-backend/internal/pool"
)

// Document is the on-disk genesis file: the role grants the service runs
// with plus the pool bootstrap the engine applies on first start.
type Document struct {
	Roles pool.Roles    `json:"roles"`
	Pool  *pool.Genesis `json:"pool"`
}

// Validate checks the parts ReadGenesis cannot: the engine validates the
// pool section again when it applies it.
func (d *Document) Validate() error {
	if d.Pool == nil {
		return errors.New("genesis: missing pool section")
	}
	if err := d.Pool.Validate(); err != nil {
		return err
	}
	if len(d.Roles.ProtocolAdmins) == 0 {
		return errors.New("genesis: no protocol admins")
	}
	if d.Roles.CreditService == "" {
		return errors.New("genesis: no credit service address")
	}
	for _, addr := range d.Roles.ProtocolAdmins {
		if addr == "" {
			return errors.New("genesis: empty protocol admin address")
		}
	}
	for _, addr := range d.Roles.PoolOperators {
		if addr == "" {
			return errors.New("genesis: empty pool operator address")
		}
	}
	return nil
}

// ReadGenesis reads JSON at path into a Document.
// Returns os.ErrNotExist if the file doesn't exist.
// Returns nil with a zero-value Document if the file is empty.
func ReadGenesis(path string) (Document, error) {
	var doc Document

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, err
		}
		return doc, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return doc, fmt.Errorf("stat: %w", err)
	}
	if st.Size() == 0 {
		// Empty file -> zero doc, no error.
		return doc, nil
	}

	dec := json.NewDecoder(f)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return doc, fmt.Errorf("decode: %w", err)
	}
	return doc, nil
}

// WriteGenesis marshals doc as pretty JSON and writes it to path atomically,
// preserving existing file permissions (defaults to 0644 if file doesn't exist).
func WriteGenesis(path string, doc Document) error {
	mode := fs.FileMode(0o644)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode()
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat: %w", err)
	}

	// Marshal pretty with trailing newline.
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	if err := writeFileAtomic(path, data, mode); err != nil {
		return fmt.Errorf("atomic write: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, content []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}

	// Atomic replace (POSIX). Fallback remove+rename if needed.
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(path)
		if err2 := os.Rename(tmpName, path); err2 != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("rename: %w (after remove: %v)", err, err2)
		}
	}

	// Best-effort fsync the directory for durability on crashes.
	_ = fsyncDir(dir)
	return nil
}

func fsyncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	return df.Sync()
}
