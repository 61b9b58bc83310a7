package checksum

import (
	"bufio"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// ChunkSize is the read size used when hashing files.
const ChunkSize = 8192

// Algorithm names a supported digest.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
)

var ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
	}
}

// HashFile returns the hex MD5 digest of the file at path.
func HashFile(path string) (string, error) {
	return HashFileWith(path, MD5)
}

// HashFileWith streams the file through the given algorithm in ChunkSize reads.
func HashFileWith(path string, algo Algorithm) (string, error) {
	h, err := algo.newHash()
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(h, struct{ io.Reader }{f}, buf); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Compare hashes path and reports whether it matches expected. The algorithm
// is taken from an "algo:" prefix when present, otherwise from the digest length.
func Compare(path, expected string) (bool, string, error) {
	algo, digest, err := parseExpected(expected)
	if err != nil {
		return false, "", err
	}

	actual, err := HashFileWith(path, algo)
	if err != nil {
		return false, "", err
	}

	return actual == digest, actual, nil
}

func parseExpected(expected string) (Algorithm, string, error) {
	expected = strings.ToLower(strings.TrimSpace(expected))

	if prefix, digest, ok := strings.Cut(expected, ":"); ok {
		return Algorithm(prefix), digest, nil
	}

	switch len(expected) {
	case md5.Size * 2:
		return MD5, expected, nil
	case sha1.Size * 2:
		return SHA1, expected, nil
	case sha256.Size * 2:
		return SHA256, expected, nil
	default:
		return "", "", fmt.Errorf("%w: cannot infer from digest %q", ErrUnknownAlgorithm, expected)
	}
}

// ReadSumFile parses a "<hex>  <path>" checksum listing into a path to digest map.
func ReadSumFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sum file: %w", err)
	}
	defer f.Close()

	sums := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		digest, name, ok := strings.Cut(line, "  ")
		if !ok || digest == "" || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("malformed checksum line %d in %s", lineNo, path)
		}

		sums[strings.TrimPrefix(name, "*")] = strings.ToLower(digest)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sum file: %w", err)
	}

	return sums, nil
}
