// Package emit turns a finished object into file bytes and writes them to
// disk without ever leaving a partial file behind.
package emit

import (
	"fmt"
	"os"
	"path/filepath"

	"kiln/internal/backend/llvm"
	"kiln/internal/errs"
	"kiln/internal/obj"
)

var (
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported object format", errs.ErrCodegen)
	ErrMalformedObject   = fmt.Errorf("%w: malformed object", errs.ErrCodegen)
	ErrPersist           = fmt.Errorf("%w: cannot write output", errs.ErrIO)
)

// Serialize encodes o in its own format: an ELF64 relocatable file or a
// textual LLVM module.
func Serialize(o *obj.Object) ([]byte, error) {
	if o == nil || o.Config == nil {
		return nil, fmt.Errorf("%w: nil object", ErrMalformedObject)
	}
	switch o.Format {
	case obj.FormatELF64:
		return writeELF(o)
	case obj.FormatLLVMText:
		text, err := llvm.WriteModule(o)
		if err != nil {
			return nil, err
		}
		return []byte(text), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, o.Format)
	}
}

// Persist writes data to path through a temporary file in the same
// directory, so path either keeps its old content or holds all of data.
func Persist(data []byte, path string) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			err = fmt.Errorf("%w: %s: %w", ErrPersist, path, err)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Chmod(0o644); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// WriteObject serializes o and persists it at path.
func WriteObject(o *obj.Object, path string) error {
	data, err := Serialize(o)
	if err != nil {
		return err
	}
	return Persist(data, path)
}
