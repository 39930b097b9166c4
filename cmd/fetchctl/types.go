package main

type downloadView struct {
	ID           int64  `json:"id"`
	URI          string `json:"uri"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Destination  string `json:"destination"`
	LocalPath    string `json:"local_path"`
	MimeType     string `json:"mime_type"`
	TotalBytes   int64  `json:"total_bytes"`
	CurrentBytes int64  `json:"current_bytes"`
	LastModified int64  `json:"last_modified"`
	Status       int    `json:"status"`
	Reason       int    `json:"reason"`
}
