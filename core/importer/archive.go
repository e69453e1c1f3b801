package importer

import (
	"bytes"
	"encoding/csv"

	"github.com/alexmullins/zip"
	"github.com/pkg/errors"
)

const (
	ArchiveKey      = "latest_passwords.zip"
	archiveEntry    = "passwords.csv"
	archiveMimeType = "application/zip"
)

type credential struct {
	email    string
	password string
}

// buildArchive writes the credentials as a CSV inside an AES-256 encrypted zip.
func buildArchive(creds []credential, password string) ([]byte, error) {
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)

	w, err := zw.Encrypt(archiveEntry, password)
	if err != nil {
		return nil, errors.Wrap(err, "creating archive entry")
	}
	cw := csv.NewWriter(w)
	if err = cw.Write([]string{"email", "default_password"}); err != nil {
		return nil, errors.Wrap(err, "writing archive header")
	}
	for _, c := range creds {
		if err = cw.Write([]string{c.email, c.password}); err != nil {
			return nil, errors.Wrap(err, "writing archive row")
		}
	}
	cw.Flush()
	if err = cw.Error(); err != nil {
		return nil, errors.Wrap(err, "flushing archive rows")
	}

	if err = zw.Close(); err != nil {
		return nil, errors.Wrap(err, "closing archive")
	}
	return buf.Bytes(), nil
}
