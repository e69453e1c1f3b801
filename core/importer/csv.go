package importer

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/trezcool/denim/core"
)

// Columns of a people CSV, in their documented order. pref_name is optional.
var Columns = []string{"first_name", "pref_name", "surname", "email", "house", "tutor_email"}

var optionalColumns = map[string]bool{"pref_name": true}

// Row is one student line of a people CSV.
type Row struct {
	Line       int    `json:"line" validate:"-"`
	FirstName  string `json:"first_name" validate:"required"`
	PrefName   string `json:"pref_name"`
	Surname    string `json:"surname" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	House      string `json:"house" validate:"required,alphanum_"`
	TutorEmail string `json:"tutor_email" validate:"required,email"`
}

func (r *Row) clean() {
	r.FirstName = core.CleanString(r.FirstName)
	r.PrefName = core.CleanString(r.PrefName)
	r.Surname = core.CleanString(r.Surname)
	r.Email = core.CleanString(r.Email, true /* lower */)
	r.House = core.CleanString(r.House)
	r.TutorEmail = core.CleanString(r.TutorEmail, true /* lower */)
}

// ParseCSV reads rows by header name, so columns may come in any order.
// Only a malformed file is an error; invalid values are reported per row by the import.
func ParseCSV(r io.Reader) ([]Row, error) {
	rdr, field, err := openCSV(r, Columns, optionalColumns)
	if err != nil {
		return nil, err
	}

	var rows []Row
	err = eachRecord(rdr, func(line int, rec []string) error {
		rows = append(rows, Row{
			Line:       line,
			FirstName:  field(rec, "first_name"),
			PrefName:   field(rec, "pref_name"),
			Surname:    field(rec, "surname"),
			Email:      field(rec, "email"),
			House:      field(rec, "house"),
			TutorEmail: field(rec, "tutor_email"),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errNoRows
	}
	return rows, nil
}

var errNoRows = core.NewValidationError(nil, core.FieldError{Field: "file", Error: "the file has no rows"})

func fileError(msg string, err error) error {
	return core.NewValidationError(err, core.FieldError{Field: "file", Error: msg})
}

// openCSV reads the header of r and checks that every required column is there.
// field looks a column up by name in a record, "" when absent.
func openCSV(r io.Reader, columns []string, optional map[string]bool) (*csv.Reader, func(rec []string, col string) string, error) {
	rdr := csv.NewReader(r)
	rdr.FieldsPerRecord = -1
	rdr.TrimLeadingSpace = true

	header, err := rdr.Read()
	if err == io.EOF {
		return nil, nil, fileError("the file is empty", nil)
	}
	if err != nil {
		return nil, nil, fileError(err.Error(), err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	var missing []string
	for _, col := range columns {
		if _, ok := index[col]; !ok && !optional[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, nil, fileError("missing columns: "+strings.Join(missing, ", "), nil)
	}

	field := func(rec []string, col string) string {
		if i, ok := index[col]; ok && i < len(rec) {
			return rec[i]
		}
		return ""
	}
	return rdr, field, nil
}

// eachRecord calls fn with every remaining record and the line it starts on.
func eachRecord(rdr *csv.Reader, fn func(line int, rec []string) error) error {
	for {
		rec, err := rdr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fileError(err.Error(), err)
		}
		line, _ := rdr.FieldPos(0)
		if err = fn(line, rec); err != nil {
			return err
		}
	}
}
