package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Shugur-Network/relaypool/internal/identity"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseFilter(t *testing.T, now time.Time, args ...string) (nostr.Filter, error) {
	t.Helper()
	cmd := newQueryCmd()
	require.NoError(t, cmd.Flags().Parse(args))
	return filterFromFlags(cmd.Flags(), now)
}

func TestFilterFromFlags(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f, err := parseFilter(t, now,
		"--kind", "1", "-k", "7",
		"--author", "abc",
		"--tag", "e=ev1", "--tag", "e=ev2", "--tag", "p=pk",
		"--since", "1h",
		"--limit", "20")
	require.NoError(t, err)

	assert.Equal(t, []int{1, 7}, f.Kinds)
	assert.Equal(t, []string{"abc"}, f.Authors)
	assert.Equal(t, []string{"ev1", "ev2"}, f.Tags["e"])
	assert.Equal(t, []string{"pk"}, f.Tags["p"])
	require.NotNil(t, f.Since)
	assert.Equal(t, nostr.Timestamp(1_700_000_000-3600), *f.Since)
	assert.Equal(t, 20, f.Limit)
}

func TestFilterFromFlagsRejectsEmptyAndBadTags(t *testing.T) {
	_, err := parseFilter(t, time.Now())
	assert.Error(t, err)

	_, err = parseFilter(t, time.Now(), "--tag", "novalue")
	assert.Error(t, err)

	// a limit alone still matches everything
	_, err = parseFilter(t, time.Now(), "--limit", "5")
	assert.Error(t, err)
}

func TestKeygenWritesLoadableKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.key")

	cmd := newKeygenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--out", path})
	require.NoError(t, cmd.Execute())

	signer, err := identity.Load(path)
	require.NoError(t, err)
	assert.Contains(t, out.String(), signer.PublicKey())

	// refuses to overwrite without --force
	cmd = newKeygenCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--out", path})
	assert.Error(t, cmd.Execute())
}

func TestKeygenPrintsSecret(t *testing.T) {
	cmd := newKeygenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	secret := strings.TrimPrefix(lines[0], "secret: ")
	signer, err := identity.NewKeySigner(secret)
	require.NoError(t, err)
	assert.Equal(t, "pubkey: "+signer.PublicKey(), lines[1])
}
