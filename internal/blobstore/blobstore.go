// Package blobstore provides opaque keyed byte storage for uploaded MBOX
// chunks, oversize message body spills, and attachment bytes.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get and Delete when the key does not exist.
var ErrNotFound = errors.New("blobstore: key not found")

// Store is opaque keyed byte storage: writes, reads, deletes, and prefix
// listing. Implementations must make Put idempotent under retry (writing the
// same key twice with the same bytes is not an error).
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// ChunkKey returns the blob key for an uploaded MBOX chunk.
func ChunkKey(sourceID string, index int) string {
	return "uploads/" + sourceID + "/chunk-" + zeroPad(index, 6)
}

// AttachmentKey returns the blob key for an attachment's bytes.
func AttachmentKey(tenantID, messageID, attachmentID, filename string) string {
	return tenantID + "/" + messageID + "/" + attachmentID + "/" + filename
}

// EmailBodySpillKey returns the blob key for an oversize email body spilled
// out of its queue message.
func EmailBodySpillKey(sourceID, uuid string) string {
	return "uploads/" + sourceID + "/email-body-" + uuid
}

func zeroPad(n int, width int) string {
	s := itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
