package domain

import "time"

// ArchiveFile is the metadata of one rotation artifact. Immutable once
// written; only the pruning policy deletes it. Compressed is false when the
// rotation fell back to plain JSON.
type ArchiveFile struct {
	Filename   string    `json:"filename" gorm:"primaryKey"`
	CreatedAt  time.Time `json:"createdAt"`
	EntryCount int       `json:"entryCount"`
	SizeBytes  int64     `json:"sizeBytes"`
	Compressed bool      `json:"compressed"`
}

func (ArchiveFile) TableName() string {
	return "archive_files"
}

// EncodedSnapshot is a marshaled snapshot ready to be committed as an
// archive file. Compressed is nil when compression was unavailable.
type EncodedSnapshot struct {
	Raw        []byte
	Compressed []byte
	TakenAt    time.Time
	EntryCount int
}
