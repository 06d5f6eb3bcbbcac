package connectors

import (
	"context"
	"strings"

	"royaltyledger/internal"
)

// AttachmentSource lists candidate statement attachments in one mailbox and
// downloads them on demand.
type AttachmentSource interface {
	ListAttachments(ctx context.Context, max int) ([]internal.AttachmentRef, error)
	FetchAttachment(ctx context.Context, ref internal.AttachmentRef) ([]byte, error)
}

var csvMimeTypes = []string{"text/csv", "application/csv", "text/comma-separated-values", "application/vnd.ms-excel"}

// IsCSVCandidate is the upstream filter: a .csv name or a CSV content type.
func IsCSVCandidate(fileName, mimeType string) bool {
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(fileName)), ".csv") {
		return true
	}
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	for _, candidate := range csvMimeTypes {
		if mt == candidate {
			return fileName != ""
		}
	}
	return false
}
