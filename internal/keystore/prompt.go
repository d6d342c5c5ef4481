package keystore

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// PassphraseEnv, when set, supplies the passphrase without a prompt.
const PassphraseEnv = "ZRBACKUP_PASSPHRASE"

// readPassword is replaced in tests to avoid touching the terminal.
var readPassword = term.ReadPassword

// TerminalPassphrase prompts on w and reads the passphrase from the
// terminal without echo.
func TerminalPassphrase(w io.Writer, prompt string) PassphraseFunc {
	return func() (string, error) {
		if p := os.Getenv(PassphraseEnv); p != "" {
			return p, nil
		}
		if _, err := fmt.Fprint(w, prompt); err != nil {
			return "", err
		}
		pw, err := readPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return "", err
		}
		if len(pw) == 0 {
			return "", fmt.Errorf("empty passphrase")
		}
		return string(pw), nil
	}
}
