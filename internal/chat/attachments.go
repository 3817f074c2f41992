package chat

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// AllowedMimeTypes is the upload allow-list. Anything else is dropped before
// it reaches the compose state.
var AllowedMimeTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/plain",
}

// RejectedFileError carries the notice shown to the user for a dropped file.
type RejectedFileError struct {
	FileName string
	MimeType string
	Reason   string
}

func (e *RejectedFileError) Error() string {
	if e.MimeType != "" {
		return fmt.Sprintf("%s: %s (%s)", e.FileName, e.Reason, e.MimeType)
	}
	return fmt.Sprintf("%s: %s", e.FileName, e.Reason)
}

// IsAllowedMimeType reports whether mime (parameters ignored) is on the
// allow-list and returns the canonical allow-list entry.
func IsAllowedMimeType(mimeType string) (string, bool) {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", false
	}
	for _, a := range AllowedMimeTypes {
		if strings.EqualFold(mt, a) {
			return a, true
		}
	}
	return "", false
}

// OpenAttachment sniffs the file content and returns a local attachment
// handle, or a *RejectedFileError when the type is not allowed.
func OpenAttachment(path string) (Attachment, error) {
	name := filepath.Base(path)
	fi, err := os.Stat(path)
	if err != nil {
		return Attachment{}, &RejectedFileError{FileName: name, Reason: "cannot read file"}
	}
	if fi.IsDir() {
		return Attachment{}, &RejectedFileError{FileName: name, Reason: "is a directory"}
	}

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return Attachment{}, &RejectedFileError{FileName: name, Reason: "cannot detect file type"}
	}
	if a, ok := matchAllowed(detected); ok {
		return Attachment{
			FileName: name,
			MimeType: a,
			Size:     fi.Size(),
			Path:     path,
		}, nil
	}
	return Attachment{}, &RejectedFileError{
		FileName: name,
		MimeType: detected.String(),
		Reason:   "file type not allowed",
	}
}

// DetectAllowed sniffs data the same way OpenAttachment sniffs a file.
func DetectAllowed(fileName string, data []byte) (string, error) {
	detected := mimetype.Detect(data)
	if a, ok := matchAllowed(detected); ok {
		return a, nil
	}
	return "", &RejectedFileError{
		FileName: fileName,
		MimeType: detected.String(),
		Reason:   "file type not allowed",
	}
}

func matchAllowed(detected *mimetype.MIME) (string, bool) {
	for _, a := range AllowedMimeTypes {
		if detected.Is(a) {
			return a, true
		}
	}
	return "", false
}
