package iolog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultMaxSeq is the number of session ids before wrapping around
const DefaultMaxSeq = 36 * 36 * 36 * 36 * 36 * 36

// seqFile is the name of the sequence file under the log base directory
const seqFile = "seq"

// NextSeq allocates the next session id from the seq file under base,
// rendered as six base 36 digits. The file is locked while it is updated.
func NextSeq(base string, maxSeq uint64) (string, error) {
	if maxSeq == 0 || maxSeq > DefaultMaxSeq {
		maxSeq = DefaultMaxSeq
	}
	if err := os.MkdirAll(base, 0700); err != nil {
		return "", err
	}
	f, err := os.OpenFile(filepath.Join(base, seqFile), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("lock %s: %w", seqFile, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	b, err := io.ReadAll(io.LimitReader(f, 64))
	if err != nil {
		return "", err
	}
	var id uint64
	if s := strings.TrimSpace(string(b)); s != "" {
		id, err = strconv.ParseUint(s, 36, 64)
		if err != nil {
			return "", fmt.Errorf("parse %s: %w", seqFile, err)
		}
	}
	id = (id + 1) % maxSeq

	s := formatSeq(id)
	if _, err := f.WriteAt([]byte(s+"\n"), 0); err != nil {
		return "", err
	}
	if err := f.Truncate(int64(len(s) + 1)); err != nil {
		return "", err
	}
	return s, nil
}

func formatSeq(id uint64) string {
	s := strings.ToUpper(strconv.FormatUint(id, 36))
	if len(s) < 6 {
		s = strings.Repeat("0", 6-len(s)) + s
	}
	return s
}

// SeqPath splits a six digit session id into XX/XX/XX
func SeqPath(seq string) string {
	if len(seq) != 6 {
		return seq
	}
	return seq[0:2] + "/" + seq[2:4] + "/" + seq[4:6]
}
