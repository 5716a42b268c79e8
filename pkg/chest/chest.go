// Package chest holds the domain model and the lifecycle engine for chests.
// A chest is an upload session: a sender streams files and text items into
// it, seals it against an expiry policy and receives a retrieval code that
// anyone can redeem for the contents until the chest expires.
package chest

import (
	"fmt"
	"time"

	"github.com/dropchest/dropchest/pkg/chest/model"
	"github.com/dropchest/dropchest/pkg/errtypes"
)

// AbandonedAge is how old an open chest may grow before the reaper collects
// it. It equals the multipart token TTL: by the time a chest is eligible, no
// live token can reach it.
const AbandonedAge = 48 * time.Hour

// ValidityPermanent is the validityDays sentinel for chests that never expire.
const ValidityPermanent = -1

// validityDays lists the accepted expiry options.
var validityDays = map[int]bool{1: true, 3: true, 7: true, 15: true}

// Session is a chest. RetrievalCode is empty and ExpiresAt nil until the
// chest is sealed; a sealed chest with nil ExpiresAt is permanent.
type Session = model.Session

// File is durable evidence of a successfully stored blob. The metadata is
// whatever the uploader reported; it is not re-validated against the blob.
type File = model.File

// BlobKey returns the blob store key for a file.
func BlobKey(sessionID, fileID string) string {
	return sessionID + "/" + fileID
}

// BlobPrefix returns the blob store prefix covering all of a session's blobs.
func BlobPrefix(sessionID string) string {
	return sessionID + "/"
}

// ExpiryFor maps a validityDays option onto an absolute expiry. It returns
// nil for ValidityPermanent and BadRequest for unknown options.
func ExpiryFor(days int, sealTime time.Time) (*time.Time, error) {
	if days == ValidityPermanent {
		return nil, nil
	}
	if !validityDays[days] {
		return nil, errtypes.BadRequest(fmt.Sprintf("invalid validity option %d", days))
	}
	t := sealTime.Add(time.Duration(days) * 24 * time.Hour)
	return &t, nil
}
