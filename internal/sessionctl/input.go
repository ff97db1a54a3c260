package sessionctl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// readPassword and isTerminal are test seams for the terminal helpers.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

var ErrEmptySession = errors.New("empty session blob")

// maxBlobSize bounds how much is read for one session blob.
const maxBlobSize = 64 << 10

// readBlob loads a session blob from path, from the terminal without echo,
// or from piped stdin, in that order of preference.
func readBlob(path string, stdin *os.File, w io.Writer) ([]byte, error) {
	var (
		blob []byte
		err  error
	)

	switch {
	case path != "":
		blob, err = os.ReadFile(path)
	case isTerminal(int(stdin.Fd())):
		if _, err := fmt.Fprint(w, "Paste session blob: "); err != nil {
			return nil, err
		}
		blob, err = readPassword(int(stdin.Fd()))
		fmt.Fprintln(w)
	default:
		blob, err = io.ReadAll(io.LimitReader(stdin, maxBlobSize+1))
		if err == nil && len(blob) > maxBlobSize {
			err = fmt.Errorf("session blob exceeds %d bytes", maxBlobSize)
		}
	}
	if err != nil {
		return nil, err
	}

	blob = bytes.TrimSpace(blob)
	if len(blob) == 0 {
		return nil, ErrEmptySession
	}
	return blob, nil
}
