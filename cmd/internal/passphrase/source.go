package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a keystore passphrase from an environment variable or an
// interactive prompt and caches the first answer.
type Source struct {
	envVar  string
	label   string
	confirm bool

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting for the passphrase of the named key.
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	return &Source{envVar: strings.TrimSpace(envVar), label: label}
}

// WithConfirmation makes an interactive prompt ask twice. Used when a new
// keystore is written.
func (s *Source) WithConfirmation() *Source {
	s.confirm = true
	return s
}

func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
			} else {
				s.err = fmt.Errorf("%s passphrase required and no terminal available", s.label)
			}
			return
		}
		first, err := prompt(fd, fmt.Sprintf("Enter %s passphrase: ", s.label))
		if err != nil {
			s.err = err
			return
		}
		if s.confirm {
			second, err := prompt(fd, "Repeat passphrase: ")
			if err != nil {
				s.err = err
				return
			}
			if first != second {
				s.err = errors.New("passphrases do not match")
				return
			}
		}
		s.value = first
	})
	return s.value, s.err
}

func prompt(fd int, text string) (string, error) {
	fmt.Fprint(os.Stderr, text)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("passphrase cannot be empty")
	}
	return string(raw), nil
}
