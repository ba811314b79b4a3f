package records

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentregistry-dev/dirsync/internal/syncer/directory"
)

func TestDecode(t *testing.T) {
	input := "\ufeffUser Name,Email Address,First_Name,Last-Name,Enabled,ignored\n" +
		"jdoe,jdoe@example.com,Jane,Doe,true,x\n" +
		"\n" +
		" , ,Nobody,Here,false,\n" +
		",only@example.com,,,,\n"

	recs, rowErrs, err := Decode(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "jdoe", recs[0].Username)
	assert.Equal(t, "jdoe@example.com", recs[0].Email)
	assert.Equal(t, "Jane", recs[0].GivenName)
	assert.Equal(t, "Doe", recs[0].FamilyName)
	require.NotNil(t, recs[0].Enabled)
	assert.True(t, *recs[0].Enabled)
	assert.Equal(t, 2, recs[0].Line)

	assert.Equal(t, "only@example.com", recs[1].Key())
	assert.Nil(t, recs[1].Enabled)

	require.Len(t, rowErrs, 1)
	assert.Equal(t, 4, rowErrs[0].Line)
}

func TestDecode_SemicolonDelimiter(t *testing.T) {
	recs, _, err := Decode(strings.NewReader("id;username\nu-1;alice\n"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "u-1", recs[0].ID)
	assert.Equal(t, "alice", recs[0].Username)
}

func TestNormalizeHeader(t *testing.T) {
	assert.Equal(t, "email", normalizeHeader("ＥＭＡＩＬ"))
	assert.Equal(t, "givenname", normalizeHeader(" Given-Name "))
	assert.Equal(t, "username", normalizeHeader("\ufeffUSER_NAME"))
}

func TestDecode_Errors(t *testing.T) {
	_, _, err := Decode(strings.NewReader("  \n"))
	assert.ErrorIs(t, err, ErrNoHeader)

	_, _, err = Decode(strings.NewReader("first,last\nA,B\n"))
	assert.ErrorIs(t, err, ErrNoIdentifierColumn)
}

func TestRecordUser(t *testing.T) {
	u := Record{Username: "jdoe", GivenName: "Jane"}.User()
	assert.Equal(t, "jdoe", u.Username)
	require.NotNil(t, u.Name)
	assert.Equal(t, "Jane", u.Name.Given)

	assert.Nil(t, Record{Email: "a@b"}.User().Name)
	assert.False(t, Record{}.HasIdentifier())
}

func TestEncodeRoundTripsThroughDecode(t *testing.T) {
	enabled := true
	users := []directory.User{
		{ID: "u-1", Username: "jdoe", Email: "jdoe@example.com", Name: &directory.Name{Given: "Jane", Family: "Doe"},
			Population: &directory.Reference{ID: "pop-1"}, Enabled: &enabled},
		{ID: "u-2", Email: "x,y@example.com"},
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, users))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(ExportHeader, ","), lines[0])

	recs, rowErrs, err := Decode(&buf)
	require.NoError(t, err)
	assert.Empty(t, rowErrs)
	require.Len(t, recs, 2)
	assert.Equal(t, "pop-1", recs[0].PopulationID)
	assert.Equal(t, "x,y@example.com", recs[1].Email)
}
