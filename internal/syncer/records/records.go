// Package records turns CSV uploads into directory records and renders
// exported users back to CSV.
package records

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/agentregistry-dev/dirsync/internal/syncer/directory"
)

var (
	// ErrNoHeader is returned for an empty upload.
	ErrNoHeader = errors.New("csv has no header row")

	// ErrNoIdentifierColumn is returned when the header maps none of id, username or email.
	ErrNoIdentifierColumn = errors.New("csv header has no id, username or email column")
)

// Record is one input row.
type Record struct {
	ID           string `json:"id,omitempty"`
	Username     string `json:"username,omitempty"`
	Email        string `json:"email,omitempty"`
	GivenName    string `json:"givenName,omitempty"`
	FamilyName   string `json:"familyName,omitempty"`
	PopulationID string `json:"populationId,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
	// Line is the 1-based source line, zero for records not read from CSV.
	Line int `json:"-"`
}

// HasIdentifier reports whether the record carries id, username or email.
func (r Record) HasIdentifier() bool {
	return r.ID != "" || r.Username != "" || r.Email != ""
}

// Key returns the best human readable identifier for logs and events.
func (r Record) Key() string {
	switch {
	case r.Username != "":
		return r.Username
	case r.Email != "":
		return r.Email
	default:
		return r.ID
	}
}

// User converts the record to a directory user for creation.
func (r Record) User() directory.User {
	u := directory.User{
		Username: r.Username,
		Email:    r.Email,
		Enabled:  r.Enabled,
	}
	if r.GivenName != "" || r.FamilyName != "" {
		u.Name = &directory.Name{Given: r.GivenName, Family: r.FamilyName}
	}
	return u
}

// RowError describes a row that was dropped during decoding.
type RowError struct {
	Line   int
	Reason string
}

func (e RowError) Error() string { return fmt.Sprintf("line %d: %s", e.Line, e.Reason) }

type field int

const (
	fieldID field = iota
	fieldUsername
	fieldEmail
	fieldGivenName
	fieldFamilyName
	fieldPopulationID
	fieldEnabled
)

var headerAliases = map[string]field{
	"id":           fieldID,
	"userid":       fieldID,
	"username":     fieldUsername,
	"login":        fieldUsername,
	"email":        fieldEmail,
	"mail":         fieldEmail,
	"emailaddress": fieldEmail,
	"firstname":    fieldGivenName,
	"givenname":    fieldGivenName,
	"namegiven":    fieldGivenName,
	"lastname":     fieldFamilyName,
	"familyname":   fieldFamilyName,
	"surname":      fieldFamilyName,
	"namefamily":   fieldFamilyName,
	"populationid": fieldPopulationID,
	"population":   fieldPopulationID,
	"enabled":      fieldEnabled,
	"active":       fieldEnabled,
}

// normalizeHeader folds case and compatibility forms so spreadsheet exports
// with full-width or mixed-case headers still match an alias.
func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = cases.Fold().String(norm.NFKC.String(strings.TrimSpace(h)))
	return strings.NewReplacer(" ", "", "_", "", "-", "", ".", "").Replace(h)
}

// Decode reads a CSV document with a header row. The delimiter is ',' unless
// the header line contains ';' and no ','. Rows without any identifier are
// reported as RowErrors and left out.
func Decode(r io.Reader) ([]Record, []RowError, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, nil, fmt.Errorf("failed to read csv: %w", err)
	}
	if len(bytes.TrimSpace(first)) == 0 {
		return nil, nil, ErrNoHeader
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	if line, _, _ := bytes.Cut(first, []byte("\n")); bytes.Contains(line, []byte(";")) && !bytes.Contains(line, []byte(",")) {
		cr.Comma = ';'
	}

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	columns := make(map[field]int)
	for i, h := range header {
		if f, ok := headerAliases[normalizeHeader(h)]; ok {
			if _, dup := columns[f]; !dup {
				columns[f] = i
			}
		}
	}
	_, hasID := columns[fieldID]
	_, hasUsername := columns[fieldUsername]
	_, hasEmail := columns[fieldEmail]
	if !hasID && !hasUsername && !hasEmail {
		return nil, nil, ErrNoIdentifierColumn
	}

	var out []Record
	var rowErrs []RowError
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				rowErrs = append(rowErrs, RowError{Line: parseErr.StartLine, Reason: parseErr.Err.Error()})
				continue
			}
			return nil, nil, fmt.Errorf("failed to read csv: %w", err)
		}
		if isBlank(row) {
			continue
		}
		line, _ := cr.FieldPos(0)

		get := func(f field) string {
			if i, ok := columns[f]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		rec := Record{
			ID:           get(fieldID),
			Username:     get(fieldUsername),
			Email:        get(fieldEmail),
			GivenName:    get(fieldGivenName),
			FamilyName:   get(fieldFamilyName),
			PopulationID: get(fieldPopulationID),
			Line:         line,
		}
		if v := get(fieldEnabled); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				rec.Enabled = &b
			}
		}
		if !rec.HasIdentifier() {
			rowErrs = append(rowErrs, RowError{Line: line, Reason: "no id, username or email"})
			continue
		}
		out = append(out, rec)
	}
	return out, rowErrs, nil
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// ExportHeader is the column order written by Encode.
var ExportHeader = []string{"id", "username", "email", "givenName", "familyName", "populationId", "enabled", "createdAt", "updatedAt"}

// Encode writes users as CSV with ExportHeader.
func Encode(w io.Writer, users []directory.User) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return err
	}
	for _, u := range users {
		var given, family, population, enabled string
		if u.Name != nil {
			given, family = u.Name.Given, u.Name.Family
		}
		if u.Population != nil {
			population = u.Population.ID
		}
		if u.Enabled != nil {
			enabled = strconv.FormatBool(*u.Enabled)
		}
		row := []string{u.ID, u.Username, u.Email, given, family, population, enabled, u.CreatedAt, u.UpdatedAt}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
