package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	return path
}

func TestHashFile(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{"empty", []byte{}},
		{"single chunk", []byte("abcfeg")},
		{"exactly one chunk", []byte(strings.Repeat("x", ChunkSize))},
		{"multi chunk", []byte(strings.Repeat("0123456789", ChunkSize/3))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.content)

			sum := md5.Sum(tt.content)

			got, err := HashFile(path)
			require.NoError(t, err)
			assert.Equal(t, hex.EncodeToString(sum[:]), got)
		})
	}
}

func TestHashFile_KnownDigest(t *testing.T) {
	got, err := HashFile(writeFile(t, []byte("abcfeg")))
	require.NoError(t, err)
	assert.Equal(t, "18f32295c556b2a1a3a8e68fe1ad40f7", got)
}

func TestHashFile_Missing(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	content := []byte("dataset payload")
	path := writeFile(t, content)

	sha := sha256.Sum256(content)
	shaHex := hex.EncodeToString(sha[:])

	tests := []struct {
		name     string
		expected string
		match    bool
		wantErr  bool
	}{
		{"md5 inferred", "1c2fd2dd8a0ec0e9f43a0ff0e5d5b6a8", false, false},
		{"sha256 inferred", shaHex, true, false},
		{"sha256 prefixed upper", "SHA256:" + strings.ToUpper(shaHex), true, false},
		{"unknown length", "abc", false, true},
		{"unknown prefix", "crc32:deadbeef", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, _, err := Compare(path, tt.expected)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownAlgorithm)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.match, ok)
		})
	}
}

func TestCompare_MatchesOwnDigest(t *testing.T) {
	path := writeFile(t, []byte("abcfeg"))

	ok, actual, err := Compare(path, "18F32295C556B2A1A3A8E68FE1AD40F7")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "18f32295c556b2a1a3a8e68fe1ad40f7", actual)
}

func TestReadSumFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MD5SUMS")
	content := "d41d8cd98f00b204e9800998ecf8427e  data/empty.nii\n\n" +
		"18F32295C556B2A1A3A8E68FE1AD40F7  *labels.txt\r\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	sums, err := ReadSumFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"data/empty.nii": "d41d8cd98f00b204e9800998ecf8427e",
		"labels.txt":     "18f32295c556b2a1a3a8e68fe1ad40f7",
	}, sums)
}

func TestReadSumFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MD5SUMS")
	require.NoError(t, os.WriteFile(path, []byte("d41d8cd98f00b204e9800998ecf8427e  ok\nbroken-line\n"), 0o644))

	_, err := ReadSumFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}
