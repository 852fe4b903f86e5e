package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/99designs/keyring"
	mboxlib "github.com/emersion/go-mbox"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailtm-drain/archive"
	"github.com/dhcgn/mailtm-drain/credential"
	"github.com/dhcgn/mailtm-drain/model"
)

func writeArchive(t *testing.T, records ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.json")
	store, err := archive.NewJSONFile(path)
	require.NoError(t, err)
	for _, raw := range records {
		msg, err := model.ParseMessage(json.RawMessage(raw))
		require.NoError(t, err)
		require.NoError(t, store.Append(context.Background(), msg))
	}
	return path
}

func execute(t *testing.T, cmd *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

var sampleRecords = []string{
	`{"id":"m1","subject":"Welcome","intro":"hello","from":{"address":"news@shop.example","name":"Shop"},"to":[{"address":"me@mail.tm","name":""}]}`,
	`{"id":"m2","subject":"Welcome","intro":"unsubscribe here","from":{"address":"news@shop.example","name":"Shop"},"to":[{"address":"me@mail.tm","name":""}]}`,
	`{"id":"m3","subject":"Your code","intro":"code 1234","from":{"address":"auth@login.example","name":""},"to":[{"address":"me@mail.tm","name":""}]}`,
}

func TestArchiveStats(t *testing.T) {
	path := writeArchive(t, sampleRecords...)
	reports := t.TempDir()

	out, err := execute(t, NewArchiveStatsCmd(), "", "--archive", path, "--output", reports, "--top", "5")
	require.NoError(t, err)

	assert.Contains(t, out, "Processed 3 messages (skipped 0 by filters, 0.00%)")
	assert.Contains(t, out, "1. Shop <news@shop.example> (2)")
	assert.Contains(t, out, "1. Welcome (2)")
	assert.Contains(t, out, "1. me@mail.tm (3)")

	file, err := os.Open(filepath.Join(reports, "report_subject.csv"))
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Value", "Count"}, {"Welcome", "2"}, {"Your code", "1"}}, rows)

	for _, name := range []string{"report_from.csv", "report_to.csv"} {
		assert.FileExists(t, filepath.Join(reports, name))
	}
}

func TestArchiveStats_Filters(t *testing.T) {
	path := writeArchive(t, sampleRecords...)

	out, err := execute(t, NewArchiveStatsCmd(), "", "--archive", path, "--output", "", "--exclude-body", "unsubscribe")
	require.NoError(t, err)
	assert.Contains(t, out, "Processed 2 messages (skipped 1 by filters, 33.33%)")
	assert.Contains(t, out, "✓ unsubscribe: 1 hits")

	_, err = execute(t, NewArchiveStatsCmd(), "", "--archive", path, "--include-header", "a", "--exclude-header", "b")
	assert.Error(t, err)
}

func TestArchiveStats_MissingArchive(t *testing.T) {
	_, err := execute(t, NewArchiveStatsCmd(), "", "--archive", filepath.Join(t.TempDir(), "none.json"))
	assert.Error(t, err)
}

func TestArchiveExport(t *testing.T) {
	path := writeArchive(t, sampleRecords...)
	outPath := filepath.Join(t.TempDir(), "out", "export.mbox")

	out, err := execute(t, NewArchiveExportCmd(), "", "--archive", path, "--out", outPath, "--include-header", `From: .*shop\.example`)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 of 3 messages")

	file, err := os.Open(outPath)
	require.NoError(t, err)
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		r, err := reader.NextMessage()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		_, err = io.Copy(io.Discard, r)
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestPasswordCmd(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	open := func() (keyring.Keyring, error) { return ring, nil }

	out, err := execute(t, NewPasswordCmd(open), "s3cret\n", "--address", "me@mail.tm")
	require.NoError(t, err)
	assert.Contains(t, out, "Stored password for me@mail.tm")

	password, err := credential.Get(ring, "me@mail.tm")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", password)

	_, err = execute(t, NewPasswordCmd(open), "", "--address", "me@mail.tm", "--delete")
	require.NoError(t, err)
	_, err = credential.Get(ring, "me@mail.tm")
	assert.ErrorIs(t, err, credential.ErrNotFound)

	_, err = execute(t, NewPasswordCmd(open), "", "--address", "me@mail.tm")
	assert.Error(t, err, "empty stdin")

	_, err = execute(t, NewPasswordCmd(open), "pw\n")
	assert.Error(t, err, "missing address")
}
