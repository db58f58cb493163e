// Package auth implements the SOCKS5 username/password Authenticator
// capability: a byte-exact lookup against a credential table loaded once at
// startup from a base64-encoded CSV file.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// Authenticator is the capability consumed by the SOCKS5 session: a pure
// username/password check with no knowledge of the wire protocol around it.
type Authenticator interface {
	Authenticate(user, pass []byte) bool
}

// Table is an in-memory, read-only-after-construction username/password
// store. The zero value is a table with no credentials - every
// authentication attempt fails.
type Table struct {
	credentials map[string][]byte

	// ConstantTime, when set, compares passwords with
	// crypto/subtle.ConstantTimeCompare instead of plain equality. The
	// default (variable-time) comparison is harmless for a local,
	// single-tenant deployment; set this for a multi-tenant one.
	ConstantTime bool
}

// NewTable builds a Table from an already-decoded username->password
// mapping. Callers that load from disk should use LoadCSV instead.
func NewTable(credentials map[string][]byte) *Table {
	cp := make(map[string][]byte, len(credentials))
	for u, p := range credentials {
		cp[u] = p
	}
	return &Table{credentials: cp}
}

// Authenticate reports whether user/pass matches a stored credential.
// A missing username always fails; there is no distinct error for "unknown
// user" versus "wrong password" - both encode identically on the wire
// (AUTH_FAIL), so there is nothing for the caller to do differently.
func (t *Table) Authenticate(user, pass []byte) bool {
	if t == nil {
		return false
	}
	want, ok := t.credentials[string(user)]
	if !ok {
		return false
	}
	if t.ConstantTime {
		return len(want) == len(pass) && subtle.ConstantTimeCompare(want, pass) == 1
	}
	return string(want) == string(pass)
}

// LoadCSV reads a CSV file of base64-encoded "user,password" rows into a
// Table. Rows whose column count isn't exactly 2 are silently skipped, as
// are blank lines. A missing file is a fatal, non-recoverable error - the
// caller is expected to abort startup rather than accept connections with
// no usable credential table.
func LoadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("auth: open password file: %w", err)
	}
	defer f.Close()

	creds := make(map[string][]byte)
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // rows of the wrong arity are skipped, not fatal

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("auth: read password file: %w", err)
		}
		if len(row) != 2 {
			continue
		}
		user, err := base64.StdEncoding.DecodeString(row[0])
		if err != nil {
			continue
		}
		pass, err := base64.StdEncoding.DecodeString(row[1])
		if err != nil {
			continue
		}
		creds[string(user)] = pass
	}

	return &Table{credentials: creds}, nil
}
