package model

import "time"

// MessageRecord describes one message that has been written to disk.
type MessageRecord struct {
	ID          string    `json:"-"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	RetrievedAt time.Time `json:"retrievedAt"`
}

// FolderMetadata holds the download history of a single remote folder.
type FolderMetadata struct {
	UIDValidity uint32                   `json:"uidValidity,omitempty"`
	Messages    map[string]MessageRecord `json:"messages"`
}

func NewFolderMetadata() FolderMetadata {
	return FolderMetadata{Messages: make(map[string]MessageRecord)}
}

// Clone returns a deep copy so callers cannot mutate store internals.
func (f FolderMetadata) Clone() FolderMetadata {
	out := FolderMetadata{UIDValidity: f.UIDValidity, Messages: make(map[string]MessageRecord, len(f.Messages))}
	for id, rec := range f.Messages {
		out.Messages[id] = rec
	}
	return out
}

// FolderResult summarises one DownloadFolder call.
type FolderResult struct {
	Folder     string
	Candidates int
	Fetched    int
	Skipped    int
	Failed     []string
	Err        error
}

// AssembleResult summarises one archive assembly.
type AssembleResult struct {
	Output          string
	MessagesWritten int
	Skipped         int
}
