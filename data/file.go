package data

import "time"

// FileRecord is the authoritative metadata row for one file or directory,
// stored in the owning drive's per-drive database and keyed uniquely by
// (DriveID, Path). Records are written in bulk during a sync and never updated
// in place except for size corrections.
type FileRecord struct {
	ID            int64     `json:"id,omitempty"`
	DriveID       string    `json:"drive_id,omitempty"`
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	ParentPath    string    `json:"parent_path"`
	IsDirectory   bool      `json:"is_directory"`
	Size          int64     `json:"size"`
	CreatedAt     time.Time `json:"created_at"`
	ModifiedAt    time.Time `json:"modified_at"`
	Depth         int       `json:"depth"`
	Inode         int64     `json:"inode,omitempty"`
	HardLinkCount int       `json:"hard_link_count,omitempty"`
	IsHardLink    bool      `json:"is_hard_link,omitempty"`
	HardLinkGroup string    `json:"hard_link_group,omitempty"`
	FolderPath    string    `json:"folder_path,omitempty"`
	FileType      string    `json:"file_type,omitempty"`
}

// Counts summarizes the record population of one drive generation.
type Counts struct {
	Total       int64
	Directories int64
	Files       int64
}
