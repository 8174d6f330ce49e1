package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// TimestampLayout is the on-disk format of record timestamps: UTC with
// microsecond precision and a literal "Z".
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Timestamp is a UTC instant with microsecond precision.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to microseconds in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Microsecond)}
}

// ParseTimestamp parses a TimestampLayout string. RFC 3339 values with other
// fractional precision are accepted as well.
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		var rfcErr error
		t, rfcErr = time.Parse(time.RFC3339Nano, s)
		if rfcErr != nil {
			return Timestamp{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	return NewTimestamp(t), nil
}

func (t Timestamp) String() string {
	return t.UTC().Format(TimestampLayout)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String()) //nolint:wrapcheck // marshaling a string cannot fail
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Record is the metadata of one session.
type Record struct {
	// CommitID is the HEAD commit at the time the session opened.
	CommitID string `json:"commit_id"`
	StartUTC Timestamp `json:"start_utc"`
	// EndUTC is nil while the session is active.
	EndUTC *Timestamp `json:"end_utc"`
	// Files maps data-relative slash paths to content digests.
	Files map[string]string `json:"files"`
}

// Active reports whether the session has not been closed.
func (r *Record) Active() bool {
	return r.EndUTC == nil
}

// FilesDigest returns the SHA-256 of the RFC 8785 canonical JSON form of
// Files. Two records with the same files mapping share a digest.
func (r *Record) FilesDigest() (string, error) {
	files := r.Files
	if files == nil {
		files = map[string]string{}
	}
	raw, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("marshal files: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize files: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Entry pairs a record with its session number.
type Entry struct {
	Session int
	Record  *Record
}

// Latest returns the most recent timestamp written to any of the entries.
// The zero Timestamp is returned for an empty ledger.
func Latest(entries []Entry) Timestamp {
	var latest Timestamp
	for _, e := range entries {
		if e.Record.StartUTC.After(latest.Time) {
			latest = e.Record.StartUTC
		}
		if e.Record.EndUTC != nil && e.Record.EndUTC.After(latest.Time) {
			latest = *e.Record.EndUTC
		}
	}
	return latest
}

// NextTimestamp returns now, or one microsecond after the latest timestamp in
// the ledger if now does not come strictly after it. Called under the lock,
// this keeps record timestamps in the order of the critical sections.
func NextTimestamp(now time.Time, entries []Entry) Timestamp {
	ts := NewTimestamp(now)
	latest := Latest(entries)
	if !ts.After(latest.Time) {
		ts = Timestamp{Time: latest.Add(time.Microsecond)}
	}
	return ts
}
