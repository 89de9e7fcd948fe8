package util

import (
	"github.com/rs/xid"
)

// GenID generates a submission/resource ID string.
// IDs are globally unique and sortable by creation time,
// which gives deterministic ordering between records
// enqueued in the same instant.
func GenID() string {
	return xid.New().String()
}
