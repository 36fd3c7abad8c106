package models

import (
	"time"
)

// StreamRecord is the saved metadata of a finished run, owned by a user.
type StreamRecord struct {
	ID               string    `json:"id" db:"id"`
	OwnerID          string    `json:"userId" db:"owner_id"`
	OriginalFileName string    `json:"originalFileName" db:"original_file_name"`
	OriginalFileSize int64     `json:"originalFileSize" db:"original_file_size"`
	DestinationURL   string    `json:"cloudfrontUrl" db:"destination_url"`
	Status           string    `json:"status" db:"status"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
}

// UploadURL is the response of the upload-URL issuer.
type UploadURL struct {
	UploadURL string `json:"uploadUrl"`
	Key       string `json:"key"`
}
