// Package htpasswd reads Apache htpasswd files and verifies credentials
// against them. Supported hash formats: bcrypt, MD5-crypt ($apr1$ and $1$),
// SHA-crypt ($5$ and $6$), {SHA} and plain text. Files are loaded once at
// startup and read-only afterwards.
package htpasswd

import (
	"bufio"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/apr1_crypt"
	_ "github.com/GehirnInc/crypt/md5_crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoSuchUser        = errors.New("htpasswd: user entry is not present in database")
	ErrWrongPassword     = errors.New("htpasswd: wrong password")
	ErrUnsupportedScheme = errors.New("htpasswd: unsupported hash scheme")
)

// File is a parsed htpasswd database.
type File struct {
	path  string
	users map[string]string
}

// Load reads and parses the htpasswd file at path.
func Load(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	f := &File{path: path, users: make(map[string]string)}
	scnr := bufio.NewScanner(fd)
	n := 0
	for scnr.Scan() {
		n++
		line := strings.TrimSpace(scnr.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		user, hash, found := strings.Cut(line, ":")
		if !found || user == "" {
			return nil, fmt.Errorf("htpasswd: malformed entry at %s:%d", path, n)
		}
		f.users[user] = hash
	}
	if err := scnr.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the file the database was loaded from.
func (f *File) Path() string {
	return f.path
}

// Len returns the number of user entries.
func (f *File) Len() int {
	return len(f.users)
}

// Verify checks user's password against the database. It returns nil when
// the credentials match, ErrNoSuchUser or ErrWrongPassword otherwise.
func (f *File) Verify(user, pass string) error {
	hash, ok := f.users[user]
	if !ok {
		return ErrNoSuchUser
	}
	return verifyHash(hash, pass)
}

func verifyHash(hash, pass string) (err error) {
	switch {
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) != nil {
			return ErrWrongPassword
		}
		return nil
	case strings.HasPrefix(hash, "{SHA}"):
		sum := sha1.Sum([]byte(pass))
		digest := base64.StdEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(hash[5:]), []byte(digest)) != 1 {
			return ErrWrongPassword
		}
		return nil
	case strings.HasPrefix(hash, "$"):
		// crypt.NewFromHash panics on an unknown hash function
		defer func() {
			if rcvr := recover(); rcvr != nil {
				err = ErrUnsupportedScheme
			}
		}()
		if cerr := crypt.NewFromHash(hash).Verify(hash, []byte(pass)); cerr != nil {
			if errors.Is(cerr, crypt.ErrKeyMismatch) {
				return ErrWrongPassword
			}
			return cerr
		}
		return nil
	case isDESCrypt(hash):
		// legacy 13 character crypt(3) entries, htpasswd -d. Not treated as
		// plain text so that the hash string itself can never authenticate.
		return ErrUnsupportedScheme
	default:
		if subtle.ConstantTimeCompare([]byte(hash), []byte(pass)) != 1 {
			return ErrWrongPassword
		}
		return nil
	}
}

func isDESCrypt(hash string) bool {
	if len(hash) != 13 {
		return false
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if !(c == '.' || c == '/' || (c >= '0' && c <= '9') ||
			(c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')) {
			return false
		}
	}
	return true
}
